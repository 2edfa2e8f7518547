package fonts

import (
	"fmt"

	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/compositor"
)

// TextMetrics is the extent of a run of text set in one face and size.
type TextMetrics struct {
	Advance fixed.Int26_6
	Ascent  fixed.Int26_6
	Descent fixed.Int26_6
}

// Height is the line height of the run.
func (m TextMetrics) Height() fixed.Int26_6 {
	return m.Ascent + m.Descent
}

// MeasureText measures text set in the registered face fontKey at size
// pixels. The face must have been handed out by GetFontTemplate.
func (f *FontCacheThread) MeasureText(fontKey compositor.FontKey, size float32, text string) (TextMetrics, error) {
	replyTx, replyRx := channel.New[result[TextMetrics]]()
	if err := f.sender.Send(measureMsg{key: fontKey, size: size, text: text, reply: replyTx}); err != nil {
		replyTx.Close()
		return TextMetrics{}, fmt.Errorf("measure text: %w", err)
	}
	res, err := replyRx.Recv()
	if err != nil {
		return TextMetrics{}, fmt.Errorf("measure text: %w", err)
	}
	return res.value, res.err
}

func (c *fontCache) measure(fontKey compositor.FontKey, size float32, text string) (TextMetrics, error) {
	id := instanceID{font: fontKey, size: size}
	face, ok := c.faces[id]
	if !ok {
		t := c.registeredTemplate(fontKey)
		if t == nil {
			return TextMetrics{}, fmt.Errorf("%w: %v", ErrFontNotFound, fontKey)
		}
		var err error
		face, err = opentype.NewFace(t.font, &opentype.FaceOptions{
			Size:    float64(size),
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return TextMetrics{}, fmt.Errorf("face %s at %v: %w", t.Identifier, size, err)
		}
		c.faces[id] = face
	}

	m := face.Metrics()
	return TextMetrics{
		Advance: font.MeasureString(face, text),
		Ascent:  m.Ascent,
		Descent: m.Descent,
	}, nil
}

func (c *fontCache) registeredTemplate(key compositor.FontKey) *template {
	for _, t := range c.templates {
		if t.registered && t.Key == key {
			return t
		}
	}
	return nil
}
