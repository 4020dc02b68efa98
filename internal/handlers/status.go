package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const statusPage = "<!DOCTYPE html><html><body><h1>Relay server is running</h1></body></html>"

// Status answers liveness probes with a static page.
func Status(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(statusPage))
}
