package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/nowplaying/internal/platform/correlation"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, _ := correlation.Start(c.Request().Context(), "http")
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
