//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, Config) (Sink, error) {
	return nil, fmt.Errorf("gcs archive is not enabled in this build (use -tags gcp)")
}
