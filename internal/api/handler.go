// Package api is the HTTP control surface of the host. It exposes the same
// operations as the text command surface as JSON endpoints and streams job
// replies over websockets.
package api

import (
	"net/http"
	"strings"

	"unithost/internal/command"
	"unithost/internal/common/http/middleware"
	"unithost/internal/host/job"
	appErr "unithost/pkg/errors"
	"unithost/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const defaultMaxUploadBytes = 10 << 20

// Handler serves the control endpoints.
type Handler struct {
	svc            *command.Service
	feed           *Feed
	upgrader       websocket.Upgrader
	maxUploadBytes int64
}

// NewHandler creates a handler. checkOrigin may be nil to accept same-host
// websocket clients only.
func NewHandler(svc *command.Service, feed *Feed, maxUploadBytes int64, checkOrigin func(r *http.Request) bool) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		svc:            svc,
		feed:           feed,
		maxUploadBytes: maxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/status", h.Status)

	units := r.Group("/units")
	units.GET("", h.ListUnits)
	units.GET("/importable", h.ImportableUnits)
	units.POST("/import", h.ImportUnit)
	units.PUT("/:name", h.UploadUnit)
	units.DELETE("/:name", h.DeleteUnit)

	jobs := r.Group("/jobs")
	jobs.GET("", h.ListJobs)
	jobs.GET("/:name", h.GetJob)
	jobs.POST("/:name", h.StartJob)
	jobs.DELETE("/:name", h.StopJob)
	jobs.GET("/:name/stream", h.Stream)

	mounts := r.Group("/mounts")
	mounts.GET("", h.ListMounts)
	mounts.POST("/:name", h.Mount)
	mounts.DELETE("/:name", h.Unmount)

	r.POST("/packages", h.Install)
	r.POST("/clear", h.Clear)
	r.POST("/commands", h.Command)
}

// Status returns counts of units, jobs, mounts and packages.
func (h *Handler) Status(c *gin.Context) {
	response.Success(c, h.svc.RequestStatus(c.Request.Context()))
}

// ListUnits returns the stored units.
func (h *Handler) ListUnits(c *gin.Context) {
	units, err := h.svc.ListUnits()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, units)
}

// UploadUnit stores the request body as a unit.
func (h *Handler) UploadUnit(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1)
	unit, err := h.svc.SaveUnit(c.Request.Context(), userID, c.Param("name"), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, unit)
}

// ImportableUnits lists object keys that can be imported.
func (h *Handler) ImportableUnits(c *gin.Context) {
	keys, err := h.svc.Importable(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"keys": keys})
}

// ImportUnit copies a unit from object storage.
func (h *Handler) ImportUnit(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Key) == "" {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	unit, err := h.svc.Import(c.Request.Context(), userID, req.Key)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, unit)
}

// DeleteUnit stops, unhosts and removes a unit.
func (h *Handler) DeleteUnit(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := h.svc.DeleteUnit(c.Request.Context(), name, userID); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Deleted", gin.H{"name": name})
}

// ListJobs returns the active jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	response.Success(c, h.svc.ListJobs())
}

// GetJob returns the active job of one unit.
func (h *Handler) GetJob(c *gin.Context) {
	info, ok := h.svc.GetJob(c.Param("name"))
	if !ok {
		response.Error(c, appErr.Newf(appErr.JobNotFound, "%s is not running", c.Param("name")))
		return
	}
	response.Success(c, info)
}

// StartJob runs a unit. Progress and the result go to stream watchers of the unit.
func (h *Handler) StartJob(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	name := c.Param("name")
	out, err := h.svc.RequestStart(c.Request.Context(), name, job.Requester{UserID: userID}, h.feed.ReplyTo(name))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, response.Response{
		Code:    appErr.Success,
		Message: "Started",
		Data:    out,
		TraceID: c.GetString("trace_id"),
	})
}

// StopJob terminates a running unit.
func (h *Handler) StopJob(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := h.svc.RequestStop(c.Request.Context(), name, job.Requester{UserID: userID}); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Stopped", gin.H{"name": name})
}

// ListMounts returns the mounts visible to the caller.
func (h *Handler) ListMounts(c *gin.Context) {
	mounts := h.svc.ListMounts(c.GetString(middleware.UserIDContextKey))
	out := make([]MountView, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, MountView{Info: m, URL: h.svc.MountURL(m.Prefix)})
	}
	response.Success(c, out)
}

// Mount hosts a unit under the caller's path.
func (h *Handler) Mount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	out, err := h.svc.RequestMount(c.Request.Context(), c.Param("name"), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, out)
}

// Unmount stops hosting a unit.
func (h *Handler) Unmount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	info, err := h.svc.RequestUnmount(c.Request.Context(), c.Param("name"), userID, h.svc.IsAdmin(userID))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Unhosted", info)
}

// Install installs interpreter packages.
func (h *Handler) Install(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Packages) == 0 {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	res, err := h.svc.Install(c.Request.Context(), userID, req.Packages)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Clear stops everything and deletes all units. Admin only.
func (h *Handler) Clear(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	report, err := h.svc.ClearAll(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

// Command executes one text command and returns every reply sent while it ran.
// Replies of a started job arrive later on the job stream.
func (h *Handler) Command(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	collected := &collector{}
	msg := command.Message{ChatID: req.ChatID, UserID: userID, Text: req.Text}
	if err := h.svc.Handle(c.Request.Context(), msg, h.commandReply(req.Text, collected)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, CommandResponse{Replies: collected.texts()})
}

// commandReply collects synchronous replies; a run command also forwards to the unit's stream.
func (h *Handler) commandReply(text string, collected *collector) command.ReplyChannel {
	cmd, err := command.Parse(text)
	if err != nil || cmd.Name != "run" {
		return collected
	}
	return teeReply{collected, h.feed.ReplyTo(cmd.Args[0])}
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.UserIDContextKey)
	if userID == "" {
		response.AbortWithErrorCode(c, appErr.Unauthorized, "X-User-Id header is required")
		return "", false
	}
	return userID, true
}
