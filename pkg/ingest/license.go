package ingest

import (
	"github.com/pkg/errors"
	officelicense "github.com/unidoc/unioffice/common/license"
	pdflicense "github.com/unidoc/unipdf/v3/common/license"
)

// ConfigureLicense installs a unidoc metered key for both the PDF and the Word readers.
// An empty key leaves the libraries unlicensed.
func ConfigureLicense(key string) error {
	if key == "" {
		return nil
	}
	if err := pdflicense.SetMeteredKey(key); err != nil {
		return errors.Wrap(err, "could not set PDF license key")
	}
	if err := officelicense.SetMeteredKey(key); err != nil {
		return errors.Wrap(err, "could not set office license key")
	}
	return nil
}
