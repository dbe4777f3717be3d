package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Mount registers the REST API and the websocket endpoint on app.
func Mount(app *fiber.App, hub *Hub, api *API) {
	api.Register(app)

	app.Use("/ws", func(c *fiber.Ctx) error {
		// Check if the request is a WebSocket upgrade request
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(hub.Serve))
}
