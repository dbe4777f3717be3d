package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/roomsync/config"
	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/nats_service"
	"github.com/karthikraju391/roomsync/upload"
)

const maxHistoryLimit = 200

// API serves the relay's REST surface: history, viewed markers, uploads and
// file records.
type API struct {
	svc    RoomService
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

func NewAPI(svc RoomService, cfg config.Config, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		svc:    svc,
		cfg:    cfg,
		logger: log.With(slog.String("component", "api")),
		now:    time.Now,
	}
}

func (a *API) Register(r fiber.Router) {
	api := r.Group("/api")
	api.Get("/rooms/:room/messages", a.history)
	api.Post("/rooms/:room/viewed", a.markViewed)
	api.Get("/rooms/:room/viewed", a.lastViewed)
	api.Post("/rooms/:room/files", a.insertFile)
	api.Post("/uploads", a.initUpload)
	api.Put("/uploads/:token", a.putUpload)
	api.Get("/files/:name", a.getFile)
}

func (a *API) history(c *fiber.Ctx) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", a.cfg.Client.HistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	page, err := a.svc.History(c.UserContext(), roomID, c.Query("cursor"), limit)
	if err != nil {
		return a.fail(err)
	}
	if page.Items == nil {
		page.Items = []models.Envelope{}
	}
	return c.JSON(page)
}

type viewedRequest struct {
	UserID string `json:"userId"`
}

func (a *API) markViewed(c *fiber.Ctx) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	var req viewedRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "userId is required")
	}
	if err := a.svc.MarkViewed(c.UserContext(), roomID, req.UserID); err != nil {
		return a.fail(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) lastViewed(c *fiber.Ctx) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	userID := c.Query("userId")
	if userID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "userId is required")
	}
	at, err := a.svc.LastViewed(c.UserContext(), roomID, userID)
	if err != nil {
		return a.fail(err)
	}
	return c.JSON(fiber.Map{"roomId": roomID, "userId": userID, "viewedAt": at})
}

type uploadRequest struct {
	Name string `json:"name"`
}

func (a *API) initUpload(c *fiber.Ctx) error {
	var req uploadRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	token, object, err := a.svc.ReserveUpload(c.UserContext(), req.Name)
	if err != nil {
		return a.fail(err)
	}
	return c.JSON(upload.Target{
		URL:       strings.TrimRight(a.cfg.Server.PublicURL, "/") + "/api/uploads/" + token,
		Token:     token,
		Name:      object,
		URI:       "/api/files/" + url.PathEscape(object),
		ExpiresAt: a.now().Add(a.cfg.Upload.TokenTTL.Duration).UTC(),
	})
}

func (a *API) putUpload(c *fiber.Ctx) error {
	token := c.Params("token")
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" && auth != "Bearer "+token {
		return fiber.NewError(fiber.StatusUnauthorized, "token mismatch")
	}
	body := c.Body()
	if len(body) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "empty upload")
	}
	if limit := a.cfg.Upload.MaxSize; limit > 0 && int64(len(body)) > int64(limit) {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "upload too large")
	}
	if _, err := a.svc.StoreUpload(c.UserContext(), token, c.Get(fiber.HeaderContentType), bytes.NewReader(body)); err != nil {
		return a.fail(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) insertFile(c *fiber.Ctx) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	var rec upload.FileRecord
	if err := c.BodyParser(&rec); err != nil || rec.File.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "file name is required")
	}
	env := models.Envelope{
		Kind:     models.KindNew,
		RoomID:   roomID,
		LocalID:  rec.LocalID,
		SenderID: rec.SenderID,
		Sender:   rec.Sender,
		Message:  rec.Message,
	}
	if env.File, err = json.Marshal(rec.File); err != nil {
		return a.fail(err)
	}
	if rec.Reply != nil {
		if env.Reply, err = json.Marshal(rec.Reply); err != nil {
			return a.fail(err)
		}
	}
	out, err := a.svc.PublishMessage(c.UserContext(), env)
	if err != nil {
		return a.fail(err)
	}
	return c.JSON(fiber.Map{"id": out.ID})
}

func (a *API) getFile(c *fiber.Ctx) error {
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil || name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "invalid file name")
	}
	rc, contentType, err := a.svc.OpenFile(c.UserContext(), name)
	if err != nil {
		return a.fail(err)
	}
	c.Set(fiber.HeaderContentType, contentType)
	return c.SendStream(rc)
}

func (a *API) fail(err error) error {
	switch {
	case errors.Is(err, nats_service.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, nats_service.ErrWrongRoom):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	default:
		a.logger.Error("request failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "internal error")
	}
}

func roomParam(c *fiber.Ctx) (string, error) {
	roomID, err := url.PathUnescape(c.Params("room"))
	if err != nil || !validRoom(roomID) {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid room")
	}
	return roomID, nil
}
