package fonts

import (
	"fmt"
	"strings"

	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"

	"github.com/Swind/go-layout-harness/compositor"
)

// DefaultFamily is the family used when a descriptor names none.
const DefaultFamily = "Go"

// FontDescriptor selects a face.
type FontDescriptor struct {
	Family string
	Bold   bool
	Italic bool
}

func (d FontDescriptor) subfamily() string {
	switch {
	case d.Bold && d.Italic:
		return "Bold Italic"
	case d.Bold:
		return "Bold"
	case d.Italic:
		return "Italic"
	default:
		return "Regular"
	}
}

// FontTemplate describes a face known to the font cache. Key is set once the
// compositor has registered the face.
type FontTemplate struct {
	Identifier string
	Family     string
	Subfamily  string
	Key        compositor.FontKey
}

type template struct {
	FontTemplate
	data       []byte
	font       *sfnt.Font
	registered bool
}

// parseTemplate validates data as a font and reads its names. A non-empty
// family overrides the family stored in the font.
func parseTemplate(identifier, family string, data []byte) (*template, error) {
	f, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", identifier, err)
	}

	var buf sfnt.Buffer
	if family == "" {
		if family, err = f.Name(&buf, sfnt.NameIDFamily); err != nil {
			return nil, fmt.Errorf("font %s family: %w", identifier, err)
		}
	}
	subfamily, err := f.Name(&buf, sfnt.NameIDSubfamily)
	if err != nil {
		subfamily = "Regular"
	}

	return &template{
		FontTemplate: FontTemplate{
			Identifier: identifier,
			Family:     family,
			Subfamily:  subfamily,
		},
		data: data,
		font: f,
	}, nil
}

func systemTemplates() ([]*template, error) {
	system := []struct {
		id   string
		data []byte
	}{
		{"gofont:goregular", goregular.TTF},
		{"gofont:gobold", gobold.TTF},
		{"gofont:goitalic", goitalic.TTF},
		{"gofont:gomono", gomono.TTF},
	}

	templates := make([]*template, 0, len(system))
	for _, s := range system {
		t, err := parseTemplate(s.id, "", s.data)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// match returns the best template for d: an exact family and subfamily
// match, else the family's regular face, else any face of the family.
func match(templates []*template, d FontDescriptor) *template {
	family := d.Family
	if family == "" {
		family = DefaultFamily
	}
	want := d.subfamily()

	var regular, first *template
	for _, t := range templates {
		if !strings.EqualFold(t.Family, family) {
			continue
		}
		if strings.EqualFold(t.Subfamily, want) {
			return t
		}
		if regular == nil && strings.EqualFold(t.Subfamily, "Regular") {
			regular = t
		}
		if first == nil {
			first = t
		}
	}
	if regular != nil {
		return regular
	}
	return first
}
