package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBasePath turns " api/ " into "/api"; "" and "/" mount at the root.
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// checkServerID rejects ids that could not have come from the registry file or
// that would escape the log directory once used as <dir>/<id>.stdout.log.
func checkServerID(id string) error {
	if id == "" {
		return fmt.Errorf("server id is empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("server id %q contains '..'", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("server id %q has invalid character %q (allowed: letters, digits, '.', '_', '-')", id, r)
		}
	}
	return nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
