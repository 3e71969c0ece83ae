package auth

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
)

const pickerPageSize = 10

// PatientPickerPage lists patients for a practitioner to choose from during a
// standalone provider launch. Other roles get their context derived from
// their own FHIR principal and never see this page.
func (s *Server) PatientPickerPage(c echo.Context) error {
	sess := s.session(c)
	if !sess.Authenticated() {
		return c.Redirect(http.StatusFound, "/oauth2/login")
	}
	if sess.Role != RolePractitioner {
		s.logger.Warn().Str("username", sess.Username).Str("role", sess.Role).Msg("non-practitioner requested patient picker")
		return s.errorPage(c, http.StatusForbidden, "Only practitioners can select a patient for provider applications.")
	}

	term := c.QueryParam("searchTerm")
	patients, err := s.patients.Search(c.Request().Context(), term, pickerPageSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("patient picker search")
		return s.errorPage(c, http.StatusInternalServerError, "Patient lookup failed.")
	}

	// The search form round-trips the pending authorize parameters.
	type hiddenField struct{ Name, Value string }
	var params []hiddenField
	if sess.Pending != nil {
		for name, values := range sess.Pending.Query() {
			for _, v := range values {
				params = append(params, hiddenField{Name: name, Value: v})
			}
		}
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return s.render(c, http.StatusOK, "picker", map[string]interface{}{
		"Username":   sess.Username,
		"Patients":   patients,
		"SearchTerm": term,
		"Params":     params,
		"Error":      c.QueryParam("picker_error"),
	})
}

// SelectPatient stores the chosen patient in the session and sends the
// browser back to the authorization endpoint, which proceeds to consent.
// Cancelling returns an access_denied error to the client.
func (s *Server) SelectPatient(c echo.Context) error {
	sess := s.session(c)
	if !sess.Authenticated() {
		return c.Redirect(http.StatusFound, "/oauth2/login")
	}
	if sess.Role != RolePractitioner {
		return s.errorPage(c, http.StatusForbidden, "Only practitioners can select a patient for provider applications.")
	}
	if sess.Pending == nil {
		return s.errorPage(c, http.StatusBadRequest, "No authorization request in progress.")
	}

	if c.FormValue("action") == "cancel" {
		params := url.Values{"error": []string{ErrCodeAccessDenied}}
		if sess.Pending.State != "" {
			params.Set("state", sess.Pending.State)
		}
		target := appendQuery(sess.Pending.RedirectURI, params)
		sess.Pending = nil
		s.sessions.Save(sess)
		s.logger.Info().Str("username", sess.Username).Msg("patient selection cancelled")
		return c.Redirect(http.StatusFound, target)
	}

	patientID := c.FormValue(AttrPatientID)
	if patientID == "" {
		return s.pickerRetry(c, sess, "Please select a patient.")
	}
	patient, err := s.patients.Get(c.Request().Context(), patientID)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientID).Msg("validate picked patient")
		return s.pickerRetry(c, sess, "Patient lookup failed.")
	}
	if patient == nil {
		return s.pickerRetry(c, sess, "Invalid patient selected.")
	}

	sess.SelectedPatientID = patient.ID
	s.sessions.Save(sess)
	s.logger.Info().Str("username", sess.Username).Str("patient_id", patient.ID).Msg("patient context selected")

	q := sess.Pending.Query()
	q.Set(AttrPatientID, patient.ID)
	return c.Redirect(http.StatusFound, "/oauth2/authorize?"+q.Encode())
}

func (s *Server) pickerRetry(c echo.Context, sess *Session, message string) error {
	q := sess.Pending.Query()
	q.Set("picker_error", message)
	return c.Redirect(http.StatusFound, "/patient-picker?"+q.Encode())
}
