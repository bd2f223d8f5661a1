package validation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/metrics"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"github.com/router-for-me/CLIProxyCredits/internal/util"
	log "github.com/sirupsen/logrus"
)

const backgroundWriteTimeout = 5 * time.Second

// Validator decides whether a virtual key may authorise a request.
type Validator struct {
	keys store.KeyStore
	now  func() time.Time

	wg sync.WaitGroup
}

// NewValidator constructs a Validator over keys.
func NewValidator(keys store.KeyStore) *Validator {
	if keys == nil {
		return nil
	}
	return &Validator{keys: keys, now: time.Now}
}

// Validate looks the key up and applies the lifecycle and class rules. It never returns an
// error: lookup failures become an internal verdict.
func (v *Validator) Validate(ctx context.Context, apiKey string) Verdict {
	verdict := v.validate(ctx, apiKey)
	if verdict.Valid {
		metrics.ObserveValidation("ok")
	} else {
		metrics.ObserveValidation(string(verdict.ErrorType))
	}
	return verdict
}

func (v *Validator) validate(ctx context.Context, apiKey string) Verdict {
	if v == nil || v.keys == nil {
		return reject(ErrorTypeInternal)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return reject(ErrorTypeInvalidKey)
	}

	key, errFind := v.keys.FindByKey(ctx, apiKey)
	if errFind != nil {
		if errors.Is(errFind, store.ErrKeyNotFound) {
			return reject(ErrorTypeInvalidKey)
		}
		log.WithError(errFind).WithField("api_key", util.HideAPIKey(apiKey)).Error("validation: key lookup failed")
		return reject(ErrorTypeInternal)
	}

	if !key.Active || key.RevokedAt != nil {
		return reject(ErrorTypeInvalidKey)
	}

	linked := key.PackageID != nil && key.Package != nil
	class := credit.ClassUnknown
	packageType := ""
	if linked {
		packageType = key.Package.Type
		class = credit.ClassifyPackageType(packageType)
	} else if key.PackageID != nil {
		// a package id that no longer resolves fails closed
		linked = true
	}
	// fuel packs and unknown classes never authorise, whatever their status or balance
	if linked && !class.Validatable() {
		return reject(ErrorTypeInvalidKey)
	}

	switch key.Status {
	case models.APIKeyStatusActive:
	case models.APIKeyStatusExpired:
		verdict := reject(ErrorTypePlanExpired)
		verdict.ExpireDate = key.ExpireDate
		return verdict
	default:
		return reject(ErrorTypeInvalidKey)
	}

	now := v.now()

	outcome := credit.Evaluate(credit.KeyState{
		ExpireDate:       key.ExpireDate,
		RemainingCredits: key.RemainingCredits,
	}, class, linked, now)

	switch outcome {
	case credit.OutcomeOK:
		v.background(key.ID, func(ctx context.Context) error {
			return v.keys.TouchLastUsed(ctx, key.ID, now)
		})
		return Verdict{
			Valid:              true,
			KeyID:              key.ID,
			RealAPIKey:         key.RealAPIKey,
			UserID:             key.UserID,
			PackageType:        packageType,
			ActivationDate:     key.ActivationDate,
			ExpireDate:         key.ExpireDate,
			LastResetCreditsAt: key.LastResetCreditsAt,
			RemainingCredits:   key.RemainingCredits,
		}
	case credit.OutcomePlanExpired:
		v.background(key.ID, func(ctx context.Context) error {
			return v.keys.MarkExpired(ctx, key.ID)
		})
		verdict := reject(ErrorTypePlanExpired)
		verdict.ExpireDate = key.ExpireDate
		return verdict
	case credit.OutcomeCreditsExhausted:
		return reject(ErrorTypeCreditsExhausted)
	default:
		return reject(ErrorTypeInvalidKey)
	}
}

// background runs a best-effort write off the request path. Failures are logged only.
func (v *Validator) background(keyID uint64, fn func(ctx context.Context) error) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()
		if errWrite := fn(ctx); errWrite != nil {
			log.WithError(errWrite).WithField("key_id", keyID).Warn("validation: background key update failed")
		}
	}()
}

// Wait blocks until in-flight background writes finish.
func (v *Validator) Wait() {
	if v == nil {
		return
	}
	v.wg.Wait()
}
