package dispatch

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sync"

	"github.com/osteele/liquid"
)

// TemplateService renders greeting card templates with Liquid. Parsed
// templates are cached so each card body is compiled once per process.
type TemplateService struct {
	engine *liquid.Engine
	dir    string
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a template service rooted at dir. Each card
// template is a pair of files, <name>.txt and <name>.html.
func NewTemplateService(dir string) *TemplateService {
	engine := liquid.NewEngine()

	// HTML escape for user-controlled fields: {{ message | escape }}
	engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	return &TemplateService{
		engine: engine,
		dir:    dir,
	}
}

// Render produces the text and HTML bodies for a card template with the
// greeting's title and message bound.
func (ts *TemplateService) Render(name, title, message string) (text, htmlBody string, err error) {
	bindings := map[string]interface{}{
		"title":   title,
		"message": message,
	}

	text, err = ts.renderFile(name+".txt", bindings)
	if err != nil {
		return "", "", err
	}
	htmlBody, err = ts.renderFile(name+".html", bindings)
	if err != nil {
		return "", "", err
	}
	return text, htmlBody, nil
}

func (ts *TemplateService) renderFile(file string, bindings map[string]interface{}) (string, error) {
	tpl, err := ts.parse(file)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("rendering template %s: %w", file, err)
	}
	return out, nil
}

func (ts *TemplateService) parse(file string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(file); ok {
		return cached.(*liquid.Template), nil
	}

	src, err := os.ReadFile(filepath.Join(ts.dir, file))
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", file, err)
	}
	tpl, err := ts.engine.ParseTemplate(src)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", file, err)
	}

	ts.cache.Store(file, tpl)
	return tpl, nil
}
