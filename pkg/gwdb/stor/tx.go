package stor

import (
	"github.com/materials-commons/filegate/pkg/config"
	"gorm.io/gorm"
)

const minTxRetry = 3

// WithTxRetry runs fn in a transaction, retrying the whole transaction when it fails.
// fn must therefore be safe to run more than once.
func WithTxRetry(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error

	retryCount := config.GetIntKeyWithDefault("FILEGATE_TX_RETRY", minTxRetry)
	if retryCount < minTxRetry {
		retryCount = minTxRetry
	}

	for i := 0; i < retryCount; i++ {
		err = db.Transaction(fn)
		if err == nil {
			break
		}
	}

	return err
}
