package edi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsedi/internal/domain/claim"
	"github.com/ehr/claimsedi/internal/platform/secrets"
	"github.com/ehr/claimsedi/internal/platform/sftp"
)

const (
	sftpUploadTimeout = 30 * time.Second
	probeTimeout      = 10 * time.Second
)

// sftpSession is the part of *sftp.Client the transport uses.
type sftpSession interface {
	Upload(remotePath string, content []byte) error
	Exists(remotePath string) (bool, error)
	Close() error
}

type sftpDialFunc func(ctx context.Context, cfg sftp.Config) (sftpSession, error)

func dialSFTP(ctx context.Context, cfg sftp.Config) (sftpSession, error) {
	return sftp.Dial(ctx, cfg)
}

// sftpParams are the connection fields a payer must configure for SFTP.
type sftpParams struct {
	Host     string `validate:"required,hostname_rfc1123|ip"`
	Port     int    `validate:"gte=0,lte=65535"`
	Username string `validate:"required"`
}

// SFTPTransport uploads 837D documents to payer file drops. Every call opens
// its own session and closes it before returning.
type SFTPTransport struct {
	cipher   secrets.SecretCipher
	hostKeys sftp.HostKeyVerifier
	validate *validator.Validate
	dial     sftpDialFunc
	now      func() time.Time
	logger   zerolog.Logger
}

func NewSFTPTransport(cipher secrets.SecretCipher, hostKeys sftp.HostKeyVerifier, logger zerolog.Logger) *SFTPTransport {
	return &SFTPTransport{
		cipher:   cipher,
		hostKeys: hostKeys,
		validate: validator.New(),
		dial:     dialSFTP,
		now:      time.Now,
		logger:   logger.With().Str("channel", "sftp").Logger(),
	}
}

// config validates the payer's SFTP fields and decrypts its credentials.
func (t *SFTPTransport) config(plan *claim.InsurancePlan, timeout time.Duration) (sftp.Config, error) {
	params := sftpParams{Host: plan.SftpHost, Port: plan.SftpPort, Username: plan.SftpUsername}
	if err := t.validate.Struct(params); err != nil {
		return sftp.Config{}, validationError("sftp", err)
	}

	cfg := sftp.Config{
		Host:          plan.SftpHost,
		Port:          plan.SftpPort,
		Username:      plan.SftpUsername,
		UsePrivateKey: plan.SftpUsePrivateKey,
		Timeout:       timeout,
	}
	if plan.SftpUsePrivateKey {
		if plan.SftpPrivateKeyEncrypted == "" {
			return sftp.Config{}, &ValidationError{Channel: "sftp", Fields: []string{"private key"}}
		}
		key, err := t.cipher.Decrypt(plan.SftpPrivateKeyEncrypted)
		if err != nil {
			return sftp.Config{}, &ConfigurationError{Reason: fmt.Sprintf("decrypt sftp private key for payer %s: %v", plan.PayerName, err)}
		}
		cfg.PrivateKey = key
	} else if plan.SftpPasswordEncrypted != "" {
		pw, err := t.cipher.Decrypt(plan.SftpPasswordEncrypted)
		if err != nil {
			return sftp.Config{}, &ConfigurationError{Reason: fmt.Sprintf("decrypt sftp password for payer %s: %v", plan.PayerName, err)}
		}
		cfg.Password = pw
	}

	cb, err := t.hostKeys.Callback(plan.SftpHostKeyFingerprint)
	if err != nil {
		return sftp.Config{}, &ConfigurationError{Reason: err.Error()}
	}
	cfg.HostKey = cb
	return cfg, nil
}

// Upload writes content to 837D_<claimNumber>_<yyyyMMdd_HHmmss>.x12 under the
// payer's remote directory and returns the remote path.
func (t *SFTPTransport) Upload(ctx context.Context, c *claim.Claim, plan *claim.InsurancePlan, content []byte) (string, error) {
	cfg, err := t.config(plan, sftpUploadTimeout)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, sftpUploadTimeout)
	defer cancel()

	remotePath := sftp.Join(plan.SftpRemotePath, FileName(c.ClaimNumber, t.now()))

	sess, err := t.dial(ctx, cfg)
	if err != nil {
		return "", &TransportError{Channel: "sftp", Err: err}
	}
	defer sess.Close()

	if err := sess.Upload(remotePath, content); err != nil {
		return "", &TransportError{Channel: "sftp", Err: err}
	}

	t.logger.Info().
		Str("claim_number", c.ClaimNumber).
		Str("host", cfg.Addr()).
		Str("remote_path", remotePath).
		Int("bytes", len(content)).
		Msg("837D uploaded")
	return remotePath, nil
}

// TestConnection reports whether a session can be opened within 10 seconds.
// A missing remote directory is logged but does not fail the probe.
func (t *SFTPTransport) TestConnection(ctx context.Context, plan *claim.InsurancePlan) bool {
	cfg, err := t.config(plan, probeTimeout)
	if err != nil {
		t.logger.Warn().Err(err).Str("payer", plan.PayerName).Msg("sftp probe not attempted")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	sess, err := t.dial(ctx, cfg)
	if err != nil {
		t.logger.Warn().Err(err).Str("payer", plan.PayerName).Str("host", cfg.Addr()).Msg("sftp probe failed")
		return false
	}
	defer sess.Close()

	if plan.SftpRemotePath != "" {
		ok, err := sess.Exists(plan.SftpRemotePath)
		if err != nil || !ok {
			t.logger.Warn().Err(err).
				Str("payer", plan.PayerName).
				Str("remote_path", plan.SftpRemotePath).
				Msg("sftp remote path does not exist")
		}
	}
	return true
}
