package resources

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
	"github.com/fhirvault/fhirvault/pkg/pagination"
)

type Handler struct {
	svc        *Service
	fhirBase   string
	capability *fhir.CapabilityStatement
}

func NewHandler(svc *Service, baseURL, softwareVersion string) *Handler {
	fhirBase := strings.TrimSuffix(baseURL, "/") + "/fhir"
	return &Handler{
		svc:        svc,
		fhirBase:   fhirBase,
		capability: fhir.NewCapabilityStatement(fhirBase, softwareVersion, fhir.KnownTypes()),
	}
}

// RegisterRoutes wires the FHIR REST surface. The public group serves the
// capability statement without authentication; everything else goes on the
// protected group.
func (h *Handler) RegisterRoutes(public, protected *echo.Group) {
	public.GET("/metadata", h.Capabilities)

	protected.POST("", h.Transaction)
	protected.GET("/:type", h.Search)
	protected.POST("/:type/_search", h.Search)
	protected.POST("/:type", h.Create)
	protected.GET("/:type/:id", h.Read)
	protected.PUT("/:type/:id", h.Update)
	protected.DELETE("/:type/:id", h.Delete)
	protected.GET("/:type/:id/_history", h.History)
	protected.GET("/:type/:id/_history/:vid", h.VRead)
}

func (h *Handler) Capabilities(c echo.Context) error {
	return fhirJSON(c, http.StatusOK, h.capability)
}

func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	params, err := searchParams(c)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("malformed search request: "+err.Error()))
	}
	pg := pagination.FromContext(c)

	docs, total, err := h.svc.Search(c.Request().Context(), resourceType, params, pg.Offset, pg.Limit)
	if err != nil {
		return respondError(c, resourceType, "", err)
	}

	t := int(total)
	bundle := fhir.NewSearchBundle(fhir.SearchBundleParams{
		BaseURL:      h.fhirBase,
		ResourceType: resourceType,
		Query:        params,
		Count:        pg.Limit,
		Offset:       pg.Offset,
		Total:        &t,
	}, docs)
	return fhirJSON(c, http.StatusOK, bundle)
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	doc, err := decodeResource(c)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("invalid JSON body: "+err.Error()))
	}

	res, err := h.svc.Create(c.Request().Context(), resourceType, doc)
	if err != nil {
		return respondError(c, resourceType, "", err)
	}
	setVersionHeaders(c, res)
	c.Response().Header().Set(echo.HeaderLocation, "/fhir/"+fhir.Key(resourceType, res.ID))
	return fhirJSON(c, http.StatusCreated, res.Doc)
}

func (h *Handler) Read(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	res, err := h.svc.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return respondError(c, resourceType, id, err)
	}
	setVersionHeaders(c, res)
	return fhirJSON(c, http.StatusOK, res.Doc)
}

func (h *Handler) Update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	doc, err := decodeResource(c)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("invalid JSON body: "+err.Error()))
	}

	res, err := h.svc.Put(c.Request().Context(), resourceType, id, doc)
	if err != nil {
		return respondError(c, resourceType, id, err)
	}
	setVersionHeaders(c, res)
	status := http.StatusOK
	if res.VersionID == 1 {
		status = http.StatusCreated
		c.Response().Header().Set(echo.HeaderLocation, "/fhir/"+fhir.Key(resourceType, res.ID))
	}
	return fhirJSON(c, status, res.Doc)
}

func (h *Handler) Delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	if err := h.svc.Delete(c.Request().Context(), resourceType, id); err != nil {
		return respondError(c, resourceType, id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) VRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil || version < 1 {
		return fhirJSON(c, http.StatusNotFound,
			fhir.NotFoundOutcome(resourceType, id+"/_history/"+c.Param("vid")))
	}

	res, err := h.svc.VRead(c.Request().Context(), resourceType, id, version)
	if err != nil {
		return respondError(c, resourceType, id, err)
	}
	setVersionHeaders(c, res)
	return fhirJSON(c, http.StatusOK, res.Doc)
}

func (h *Handler) History(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if !fhir.IsKnownType(resourceType) {
		return unknownType(c, resourceType)
	}
	entries, err := h.svc.History(c.Request().Context(), resourceType, id)
	if err != nil {
		return respondError(c, resourceType, id, err)
	}
	return fhirJSON(c, http.StatusOK, fhir.NewHistoryBundle(h.fhirBase, entries, len(entries)))
}

func (h *Handler) Transaction(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhirJSON(c, http.StatusBadRequest, fhir.InvalidOutcome("unable to read request body"))
	}
	bundle, err := h.svc.ProcessBundle(c.Request().Context(), body)
	if err != nil {
		return respondError(c, "Bundle", "", err)
	}
	return fhirJSON(c, http.StatusOK, bundle)
}

// fhirJSON responds with the FHIR JSON media type. Echo keeps a content type
// that is already set.
func fhirJSON(c echo.Context, status int, v interface{}) error {
	c.Response().Header().Set(echo.HeaderContentType, fhir.MIMEFHIRJSON)
	return c.JSON(status, v)
}

func respondError(c echo.Context, resourceType, id string, err error) error {
	status, outcome := StatusAndOutcome(resourceType, id, err)
	return fhirJSON(c, status, outcome)
}

func unknownType(c echo.Context, resourceType string) error {
	return fhirJSON(c, http.StatusNotFound,
		fhir.NotSupportedOutcome(fmt.Sprintf("resource type %q is not supported", resourceType)))
}

func setVersionHeaders(c echo.Context, res *Resource) {
	c.Response().Header().Set("ETag", fhir.ETag(res.VersionID))
	if !res.LastUpdated.IsZero() {
		c.Response().Header().Set("Last-Modified", res.LastUpdated.UTC().Format(http.TimeFormat))
	}
}

func decodeResource(c echo.Context) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// searchParams merges form and query parameters for POST _search and returns
// the query string parameters for GET.
func searchParams(c echo.Context) (url.Values, error) {
	if c.Request().Method == http.MethodPost {
		return c.FormParams()
	}
	return c.QueryParams(), nil
}
