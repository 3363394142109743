//go:build !cgo

package signing

import (
	"fmt"

	"pdp-submission-service/internal/domain"
)

// NewHardwareProvider はcgoなしのビルドでは利用できない。
func NewHardwareProvider(cfg HardwareConfig, store KeyStore, name string) (Provider, error) {
	return nil, fmt.Errorf("%w: hardware backend requires a cgo build", domain.ErrUnsupportedBackend)
}
