package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const homePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Web Mirror</title></head>
<body style="font-family: sans-serif; padding: 20px;">
  <h2>Web Mirror</h2>
  <form action="/view" method="get">
    <input name="url" style="width: 60%;" placeholder="https://example.com" autofocus>
    <button>View</button>
  </form>
  <p>(personal use only)</p>
</body></html>
`

// Home serves the static entry form.
func Home(c echo.Context) error {
	return c.HTML(http.StatusOK, homePage)
}
