package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imroc/req/v3"
	"github.com/sirupsen/logrus"

	"examprep-server/apiclient"
	"examprep-server/metrics"
)

// ProxyConfig configures the forwarding endpoint.
type ProxyConfig struct {
	BackendURL string
	Secret     string
	Timeout    time.Duration
}

// Proxy forwards a request to the upstream API with the shared secret attached.
// ANY /api/proxy/*path
func Proxy(cfg ProxyConfig, m *metrics.Metrics, log *logrus.Entry) gin.HandlerFunc {
	client := req.C().DisableAutoDecode()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	base := strings.TrimRight(cfg.BackendURL, "/") + "/api/"

	return func(c *gin.Context) {
		method := c.Request.Method
		target := base + strings.TrimPrefix(c.Param("path"), "/")
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}

		contentType := c.GetHeader("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		r := client.R().
			SetContext(c.Request.Context()).
			SetHeader("Content-Type", contentType)
		if authz := c.GetHeader("Authorization"); authz != "" {
			r.SetHeader("Authorization", authz)
		}
		if cfg.Secret != "" {
			r.SetHeader(apiclient.SecretHeader, cfg.Secret)
		}
		if method != http.MethodGet && method != http.MethodDelete && c.Request.Body != nil {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "failed to read request body"})
				return
			}
			r.SetBodyBytes(body)
		}

		resp, err := r.Send(method, target)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"method": method, "path": c.Param("path")}).Error("proxy request failed")
			m.ObserveProxy(method, 0)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "proxy request failed"})
			return
		}
		m.ObserveProxy(method, resp.StatusCode)

		body, err := resp.ToBytes()
		if err != nil {
			log.WithError(err).Error("failed to read upstream response")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "proxy request failed"})
			return
		}
		respType := resp.GetContentType()
		if respType == "" {
			respType = "application/json"
		}
		c.Data(resp.StatusCode, respType, body)
	}
}
