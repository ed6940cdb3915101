// Package echoutil is a set of middlewares and helpers for echo servers.
package echoutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/opst/kjobs/pkg/metrics"
)

// LogHandlerFunc logs each request and its response.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		meth := c.Request().Method
		path := c.Request().URL
		BEGIN := time.Now()
		c.Logger().Debugf(
			"< request @[%s] %s %s", BEGIN, meth, path,
		)

		var err error

		defer func() {
			END := time.Now()
			c.Logger().Infof(
				"> response @[%s] status = %d (for request @[%s] %s %s) in %v / error = %+v",
				END, c.Response().Status, BEGIN, meth, path, END.Sub(BEGIN), err,
			)
		}()

		err = next(c)
		return err
	}
}

// Metrics records requests into mx, by their route pattern.
func Metrics(mx *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)

			code := c.Response().Status
			if err != nil {
				// the error handler has not written the response yet.
				code = 500
				if he, ok := err.(*echo.HTTPError); ok {
					code = he.Code
				}
			}
			mx.Requested(c.Request().Method, c.Path(), code, time.Since(begin))
			return err
		}
	}
}

// ParseLevel parses log level: debug, info, warn, error or off.
func ParseLevel(loglevel string) (log.Lvl, error) {
	switch strings.ToLower(loglevel) {
	case "debug":
		return log.DEBUG, nil
	case "info":
		return log.INFO, nil
	case "warn", "":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return log.WARN, fmt.Errorf("unknown loglevel: %s", loglevel)
}

// SetLevel sets log level of e.
//
// Unknown levels fall back to warn.
func SetLevel(e *echo.Echo, loglevel string) {
	lvl, err := ParseLevel(loglevel)
	e.Logger.SetLevel(lvl)
	if err != nil {
		e.Logger.Warnf("%s. fall-backed to warn", err)
	}
}
