package report

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chata/chata/internal/platform/auth"
	"github.com/chata/chata/internal/platform/submission"
	"github.com/chata/chata/pkg/pagination"
)

type Handler struct {
	svc     *Service
	catalog *Catalog
}

func NewHandler(svc *Service, catalog *Catalog) *Handler {
	return &Handler{svc: svc, catalog: catalog}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "clinician")

	read := api.Group("", role, auth.RequireScope("reports", "read"))
	read.GET("/reports", h.ListReports)
	read.GET("/reports/:id", h.GetReport)
	read.GET("/reports/:id/progress", h.GetProgress)
	read.GET("/milestones/catalog", h.GetCatalog)
	read.GET("/ids/validate", h.ValidateID)

	write := api.Group("", role, auth.RequireScope("reports", "write"))
	write.POST("/reports", h.StartReport)
	write.PATCH("/reports/:id", h.UpdateReport)
	write.DELETE("/reports/:id", h.ClearReport)
	write.POST("/reports/:id/milestones", h.AddMilestone)
	write.PUT("/reports/:id/milestones/:mid", h.UpdateMilestone)
	write.DELETE("/reports/:id/milestones/:mid", h.RemoveMilestone)
	write.POST("/reports/:id/submit", h.SubmitReport)
	write.POST("/reports/:id/processing/:script", h.ProcessReport)
}

// reportView is the wire shape of a report: the persisted record plus the
// derived status and overall progress.
type reportView struct {
	GlobalFormState
	Status   ReportStatus `json:"status"`
	Progress int          `json:"progress"`
}

func view(s GlobalFormState) reportView {
	return reportView{
		GlobalFormState: s,
		Status:          s.Status(),
		Progress:        OverallProgress(s.FormData.ComponentProgress),
	}
}

func pathID(c echo.Context) (ChataID, error) {
	id := c.Param("id")
	if !ValidateChataID(id) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid CHATA ID")
	}
	return ChataID(id), nil
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	var se *submission.SubmissionError
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMilestoneNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadySubmitted), errors.Is(err, ErrClinicianAlreadySet):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSubmissionNotConfigured):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &se):
		return echo.NewHTTPError(http.StatusBadGateway, se.Error())
	case errors.Is(err, ErrSubmissionFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) StartReport(c echo.Context) error {
	var info ClinicianInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.StartReport(c.Request().Context(), info)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/reports/"+string(st.ChataID))
	return c.JSON(http.StatusCreated, view(st))
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(st))
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReports(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	views := make([]reportView, len(items))
	for i, st := range items {
		views[i] = view(st)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) UpdateReport(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var patch UpdateAction
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.UpdateReport(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(st))
}

func (h *Handler) ClearReport(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.ClearReport(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetProgress(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Progress(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AddMilestone(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var m Milestone
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.AddMilestone(c.Request().Context(), id, m)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view(st))
}

func (h *Handler) UpdateMilestone(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var p MilestonePatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := h.svc.UpdateMilestone(c.Request().Context(), id, c.Param("mid"), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(st))
}

func (h *Handler) RemoveMilestone(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.RemoveMilestone(c.Request().Context(), id, c.Param("mid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view(st))
}

func (h *Handler) SubmitReport(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SubmitReport(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"chataId":  res.ChataID,
		"message":  res.Response.Message,
		"response": res.Response,
		"report":   view(res.Report),
	})
}

// ProcessReport triggers a processing script. With ?wait=true it polls
// until the script reports a document link or gives up.
func (h *Handler) ProcessReport(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	script := Script(c.Param("script"))
	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		out, err := h.svc.AwaitDocument(c.Request().Context(), id, script)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"result":   out.Result,
			"attempts": out.Attempts,
		})
	}
	res, err := h.svc.ProcessReport(c.Request().Context(), id, script)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetCatalog(c echo.Context) error {
	if d := c.QueryParam("domain"); d != "" {
		dom := Domain(d)
		if !dom.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown domain "+d)
		}
		items := h.catalog.ByDomain()[dom]
		if items == nil {
			items = []Milestone{}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"domain": dom, "label": dom.Label(), "milestones": items})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"milestones": h.catalog.Milestones()})
}

func (h *Handler) ValidateID(c echo.Context) error {
	id := c.QueryParam("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "valid": ValidateChataID(id)})
}
