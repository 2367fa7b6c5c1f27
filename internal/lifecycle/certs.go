package lifecycle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/flightdeckci/flightdeck/internal/blob"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/token"
)

// CertsBundle is what an ephemeral VM needs to populate its keychain. The
// keychain password is minted per call and never persisted; the VM is the
// only consumer and dies with it.
type CertsBundle struct {
	P12                  []byte
	P12Password          string
	KeychainPassword     string
	ProvisioningProfiles [][]byte
}

// CertsSecure repackages a build's signing bundle for one VM. The zip is read
// in full before anything else happens; cert bundles are bounded by the certs
// upload limit so buffering is cheap.
//
// Zip contract: the first .p12 entry is the identity, an optional
// password.txt holds its password (absent means empty), and every
// .mobileprovision entry is a profile. A bundle without a p12 is malformed.
func (e *Engine) CertsSecure(ctx context.Context, buildID string) (*CertsBundle, error) {
	b, err := e.store.GetBuild(ctx, nil, buildID)
	if err != nil {
		return nil, buildLookupError(err, buildID)
	}
	if b.CertsPath == "" {
		return nil, ferrors.NotFoundError("build has no signing bundle").
			WithContext("build_id", buildID).Build()
	}

	rc, size, err := e.blobs.Open(ctx, blob.Ref(b.CertsPath))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "failed to read signing bundle").Build()
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), size)
	if err != nil {
		return nil, ferrors.CertsError("signing bundle is not a valid zip archive").
			WithContext("build_id", buildID).Build()
	}

	bundle := &CertsBundle{}
	for _, f := range zr.File {
		name := path.Base(f.Name)
		switch {
		case strings.HasSuffix(strings.ToLower(name), ".p12"):
			if bundle.P12 != nil {
				continue // first p12 wins
			}
			data, err := readZipEntry(f)
			if err != nil {
				return nil, err
			}
			bundle.P12 = data
		case strings.EqualFold(name, "password.txt"):
			data, err := readZipEntry(f)
			if err != nil {
				return nil, err
			}
			bundle.P12Password = strings.TrimRight(string(data), "\r\n")
		case strings.HasSuffix(strings.ToLower(name), ".mobileprovision"):
			data, err := readZipEntry(f)
			if err != nil {
				return nil, err
			}
			bundle.ProvisioningProfiles = append(bundle.ProvisioningProfiles, data)
		}
	}

	if bundle.P12 == nil {
		return nil, ferrors.CertsError("signing bundle contains no p12 identity").
			WithContext("build_id", buildID).Build()
	}

	pw, err := token.NewKeychainPassword()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to mint keychain password").Build()
	}
	bundle.KeychainPassword = pw

	e.logger.Info("signing bundle delivered",
		logfields.BuildID(buildID),
		logfields.WorkerID(b.WorkerID))
	return bundle, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryCerts, "failed to open signing bundle entry").Build()
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryCerts, "failed to read signing bundle entry").Build()
	}
	return data, nil
}

// VMAuthenticate exchanges a one-time password for a VM token. The exchange
// is atomic: the conditional consume update admits exactly one winner, so a
// replayed OTP conflicts even under concurrent attempts.
func (e *Engine) VMAuthenticate(ctx context.Context, otp string) (string, *store.Build, error) {
	now := e.now()

	if otp == "" {
		return "", nil, ferrors.AuthError("one-time password is required").Build()
	}

	b, err := e.store.GetBuildByOTP(ctx, nil, otp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.recorder.IncOTPExchange(false)
			return "", nil, ferrors.AuthError("invalid one-time password").Build()
		}
		return "", nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to look up credentials").Build()
	}
	if b.OTPConsumed {
		e.recorder.IncOTPExchange(false)
		return "", nil, ferrors.ConflictError("one-time password already used").
			WithContext("build_id", b.ID).Build()
	}
	if token.Expired(b.OTPExpiresAt, now) {
		e.recorder.IncOTPExchange(false)
		return "", nil, ferrors.AuthError("one-time password expired").
			WithContext("build_id", b.ID).Build()
	}

	vmToken, err := token.New()
	if err != nil {
		return "", nil, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to mint vm token").Build()
	}

	expiresAt := now.Add(e.vmTokenTTL)
	if err := e.store.ConsumeOTP(ctx, nil, b.ID, vmToken, expiresAt, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race against a concurrent exchange.
			e.recorder.IncOTPExchange(false)
			return "", nil, ferrors.ConflictError("one-time password already used").
				WithContext("build_id", b.ID).Build()
		}
		return "", nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to consume one-time password").Build()
	}

	b.VMToken = vmToken
	b.VMTokenExpiresAt = &expiresAt
	b.OTPConsumed = true
	e.recorder.IncOTPExchange(true)
	e.logger.Info("vm authenticated", logfields.BuildID(b.ID))
	return vmToken, b, nil
}
