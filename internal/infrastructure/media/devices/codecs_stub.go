//go:build !hardware

package devices

import (
	"fmt"

	"github.com/pion/mediadevices"

	"livestage/internal/core/domain"
)

func newCodecSelector(int) (*mediadevices.CodecSelector, error) {
	return nil, fmt.Errorf("%w: built without the hardware tag", domain.ErrUnsupportedRuntime)
}
