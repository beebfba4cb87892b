package webhook

import (
	"errors"

	"github.com/cuongbtq/genjobs/internal/domain"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound)
}

func isInvalidArtifact(err error) bool {
	var invalid *domain.MaterializationInvalidError
	return errors.As(err, &invalid)
}
