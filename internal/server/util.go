package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBase turns "api", "/api/" and " /api" into "/api". An empty or
// "/" base mounts the routes at the root.
func normalizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// unit-style names, e.g. getty@tty1 or web.worker-2
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,255}$`)

func validName(s string) bool {
	return namePattern.MatchString(s) && !strings.Contains(s, "..")
}

// serviceName returns the :name path parameter, answering 400 when it is
// not a valid service name.
func serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !validName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return "", false
	}
	return name, true
}

func writeJSON(c *gin.Context, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(code, "application/json", append(b, '\n'))
}
