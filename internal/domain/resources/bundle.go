package resources

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

// ProcessBundle executes a transaction or batch Bundle. Entries are sorted
// DELETE, POST, PUT, GET, ids are assigned up front and urn:uuid references
// rewritten before anything executes. A transaction runs every entry in one
// shared store transaction and fails as a whole; batch entries each run in
// their own transaction, recording failures per entry.
func (s *Service) ProcessBundle(ctx context.Context, body []byte) (*fhir.Bundle, error) {
	bundle, err := fhir.ParseTransactionBundle(body)
	if err != nil {
		return nil, invalidf(fhir.IssueTypeStructure, "%s", err.Error())
	}
	if issues := fhir.ValidateTransactionBundle(bundle); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	entries := fhir.SortTransactionEntries(bundle.Entries)
	urnMap := fhir.AssignEntryIDs(entries)
	fhir.RewriteReferences(entries, urnMap)

	results := make([]fhir.BundleEntry, len(entries))
	if bundle.Type == "transaction" {
		err := s.runTx(ctx, func(ctx context.Context) error {
			for i := range entries {
				result, err := s.processEntry(ctx, &entries[i])
				if err != nil {
					return err
				}
				results[i] = result
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		for i := range entries {
			var result fhir.BundleEntry
			err := s.runTx(ctx, func(ctx context.Context) error {
				var perr error
				result, perr = s.processEntry(ctx, &entries[i])
				return perr
			})
			if err != nil {
				resourceType, id, _ := fhir.ParseEntryURL(entries[i].Request.URL)
				status, outcome := StatusAndOutcome(resourceType, id, err)
				results[i] = fhir.FailedEntry(statusLine(status), outcome)
				continue
			}
			results[i] = result
		}
	}

	s.logger.Info().
		Str("bundle_type", bundle.Type).
		Int("entries", len(entries)).
		Msg("bundle processed")
	return fhir.NewBundleResponse(bundle.Type, results), nil
}

func (s *Service) processEntry(ctx context.Context, entry *fhir.TransactionEntry) (fhir.BundleEntry, error) {
	resourceType, id, isSearch := fhir.ParseEntryURL(entry.Request.URL)

	switch entry.Request.Method {
	case http.MethodPost:
		res, err := s.Put(ctx, resourceType, fhir.DocID(entry.Resource), entry.Resource)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return fhir.SuccessEntry(res.Doc, statusLine(http.StatusCreated), fhir.Key(resourceType, res.ID), res.VersionID, res.LastUpdated), nil

	case http.MethodPut:
		res, err := s.Put(ctx, resourceType, id, entry.Resource)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		status := statusLine(http.StatusOK)
		if res.VersionID == 1 {
			status = statusLine(http.StatusCreated)
		}
		return fhir.SuccessEntry(res.Doc, status, fhir.Key(resourceType, res.ID), res.VersionID, res.LastUpdated), nil

	case http.MethodDelete:
		if err := s.Delete(ctx, resourceType, id); err != nil {
			return fhir.BundleEntry{}, err
		}
		return fhir.BundleEntry{Response: &fhir.BundleResponse{Status: statusLine(http.StatusNoContent)}}, nil

	case http.MethodGet:
		if isSearch {
			return fhir.BundleEntry{}, invalidf(fhir.IssueTypeNotSupported, "search requests inside bundles are not supported")
		}
		res, err := s.Read(ctx, resourceType, id)
		if err != nil {
			return fhir.BundleEntry{}, err
		}
		return fhir.SuccessEntry(res.Doc, statusLine(http.StatusOK), "", res.VersionID, res.LastUpdated), nil

	default:
		return fhir.BundleEntry{}, invalidf(fhir.IssueTypeNotSupported, "unsupported method %q", entry.Request.Method)
	}
}

func statusLine(status int) string {
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
