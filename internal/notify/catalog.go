// Package notify renders notification and activity messages from the
// embedded translation files.
package notify

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

const (
	LanguageEn = "en"
	LanguageFr = "fr"
)

//go:embed translations/*.toml
var translations embed.FS

// Catalog localizes message ids for one locale, falling back to English.
type Catalog struct {
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
	locale    string
}

// New loads every embedded translation file.
func New(locale string) (*Catalog, error) {
	if locale == "" {
		locale = LanguageEn
	}
	if _, err := language.Parse(locale); err != nil {
		return nil, fmt.Errorf("locale %q: %w", locale, err)
	}
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	files, err := fs.Glob(translations, "translations/*.toml")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, err := bundle.LoadMessageFileFS(translations, f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return &Catalog{
		bundle:    bundle,
		localizer: i18n.NewLocalizer(bundle, locale, LanguageEn),
		locale:    locale,
	}, nil
}

// Default is the English catalog. It panics only if the embedded files are broken.
func Default() *Catalog {
	c, err := New(LanguageEn)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Locale() string {
	return c.locale
}

// Render localizes id with data. Unknown ids render as the id itself.
func (c *Catalog) Render(id string, data map[string]any) string {
	if c == nil {
		return id
	}
	msg, err := c.localizer.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		zap.L().Debug("missing translation", zap.String("id", id), zap.String("locale", c.locale), zap.Error(err))
		return id
	}
	return msg
}

// Priority returns the localized priority name.
func (c *Catalog) Priority(p int) string {
	return c.Render(fmt.Sprintf("priority.%d", p), nil)
}
