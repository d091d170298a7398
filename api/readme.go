package api

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

const readmeMissing = "README.md not found"

// Readme renders a markdown file to HTML on every request.
type Readme struct {
	path string
	md   goldmark.Markdown
}

func NewReadme(path string) *Readme {
	return &Readme{
		path: path,
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Footnote,
				extension.DefinitionList,
				extension.Typographer,
			),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

// Render returns the HTML of the file, or a plain notice when the file does
// not exist.
func (r *Readme) Render() (string, error) {
	src, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return readmeMissing, nil
	}
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := r.md.Convert(src, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Readme) handle(c echo.Context) error {
	out, err := r.Render()
	if err != nil {
		return err
	}
	return c.HTML(http.StatusOK, out)
}
