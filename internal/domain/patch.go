package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ErrInvalidConfiguration wraps every error returned by Merge.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Merge decodes a free-form partial configuration on top of c. Keys match
// case-insensitively and ignore '_' and '-', so "echo_cancellation" and
// "echoCancellation" address the same field. Flat audio keys are accepted at
// the top level as well as under "audio".
func (c Configuration) Merge(patch map[string]any) (Configuration, error) {
	if len(patch) == 0 {
		return c, nil
	}

	out := c
	top := make(map[string]any, len(patch))
	audio := make(map[string]any)
	for key, value := range patch {
		switch normalizeKey(key) {
		case "audio":
			nested, ok := value.(map[string]any)
			if !ok {
				return c, fmt.Errorf("%w: audio must be an object, got %T", ErrInvalidConfiguration, value)
			}
			for k, v := range nested {
				audio[k] = v
			}
		case "echocancellation", "noisesuppression", "autogaincontrol", "channelcount", "samplerate":
			audio[key] = value
		case "language":
			top["lang"] = value
		default:
			top[key] = value
		}
	}

	if err := decodeInto(top, &out); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := decodeInto(audio, &out.Audio); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := out.Validate(); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return out, nil
}

func decodeInto(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("invalid configuration patch: %w", err)
	}
	return nil
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
