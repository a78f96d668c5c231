package analyzer

import (
	"bytes"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeOutput parses a step payload and checks its required fields.
func DecodeOutput(step models.Step, raw []byte) (models.Output, error) {
	out, err := models.DecodeOutput(step, stripFence(raw))
	if err != nil {
		return models.Output{}, err
	}
	if err := validate.Struct(out.Payload()); err != nil {
		return models.Output{}, fmt.Errorf("invalid %s payload: %w", step, err)
	}
	return out, nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(raw []byte) []byte {
	b := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = b[3:]
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}
