//go:build cgo

package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/miekg/pkcs11"

	"pdp-submission-service/internal/domain"
)

// HardwareProvider はPKCS#11トークンで署名する。
// 秘密鍵は CKA_SENSITIVE=true / CKA_EXTRACTABLE=false で生成され、トークンの外に出ない。
type HardwareProvider struct {
	p        *pkcs11.Ctx
	slot     uint
	sessions chan pkcs11.SessionHandle
	store    KeyStore
	name     string
	locks    keyLocks
	now      func() time.Time
}

// NewHardwareProvider はPKCS#11ライブラリを読み込み、セッションプールを開く。
func NewHardwareProvider(cfg HardwareConfig, store KeyStore, name string) (Provider, error) {
	if cfg.LibraryPath == "" {
		return nil, fmt.Errorf("%w: PKCS11_LIBRARY is required", domain.ErrUnsupportedBackend)
	}
	if store == nil {
		return nil, errors.New("key store is required")
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 4
	}

	p := pkcs11.New(cfg.LibraryPath)
	if p == nil {
		return nil, fmt.Errorf("loading PKCS#11 library %s", cfg.LibraryPath)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("initializing PKCS#11: %w", err)
	}

	slots, err := p.GetSlotList(true)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	slot, err := pickSlot(slots, cfg.Slot)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, err
	}

	hp := &HardwareProvider{
		p:        p,
		slot:     slot,
		sessions: make(chan pkcs11.SessionHandle, cfg.Sessions),
		store:    store,
		name:     name,
		now:      time.Now,
	}
	for i := 0; i < cfg.Sessions; i++ {
		sh, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
		if err != nil {
			hp.Close()
			return nil, fmt.Errorf("opening session: %w", err)
		}
		// ログイン状態はアプリケーション内の全セッションで共有される
		if i == 0 {
			if err := p.Login(sh, pkcs11.CKU_USER, cfg.PIN); err != nil && !isAlreadyLoggedIn(err) {
				p.CloseSession(sh)
				hp.Close()
				return nil, fmt.Errorf("logging in to token: %w", err)
			}
		}
		hp.sessions <- sh
	}

	slog.Info("PKCS#11 provider initialized",
		"library", cfg.LibraryPath,
		"slot", slot,
		"sessions", cfg.Sessions,
	)
	return hp, nil
}

func pickSlot(slots []uint, want int) (uint, error) {
	if len(slots) == 0 {
		return 0, errors.New("no PKCS#11 slot with a token present")
	}
	if want < 0 {
		return slots[0], nil
	}
	for _, s := range slots {
		if s == uint(want) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("PKCS#11 slot %d not found", want)
}

func isAlreadyLoggedIn(err error) bool {
	var e pkcs11.Error
	return errors.As(err, &e) && e == pkcs11.CKR_USER_ALREADY_LOGGED_IN
}

// withSession はプールからセッションを借りて fn を実行する。
func (h *HardwareProvider) withSession(ctx context.Context, fn func(sh pkcs11.SessionHandle) error) error {
	var sh pkcs11.SessionHandle
	select {
	case sh = <-h.sessions:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { h.sessions <- sh }()
	return fn(sh)
}

func (h *HardwareProvider) findObjects(sh pkcs11.SessionHandle, template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := h.p.FindObjectsInit(sh, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit: %w", err)
	}
	defer h.p.FindObjectsFinal(sh)

	var found []pkcs11.ObjectHandle
	for {
		handles, _, err := h.p.FindObjects(sh, 16)
		if err != nil {
			return nil, fmt.Errorf("FindObjects: %w", err)
		}
		if len(handles) == 0 {
			return found, nil
		}
		found = append(found, handles...)
	}
}

// GenerateKeyPair はトークン上にRSA鍵ペアを生成する。
func (h *HardwareProvider) GenerateKeyPair(ctx context.Context, keyID string, opts domain.KeyOptions) (*domain.GeneratedKey, error) {
	if err := domain.ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	unlock := h.locks.lock(keyID)
	defer unlock()

	exists, err := h.store.Exists(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("checking existing key: %w", err)
	}
	if exists {
		return nil, domain.ErrKeyAlreadyExists
	}

	objectID := make([]byte, 16)
	if _, err := rand.Read(objectID); err != nil {
		return nil, fmt.Errorf("generating object id: %w", err)
	}

	var (
		publicPEM string
		generated []pkcs11.ObjectHandle
	)
	err = h.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		pubTemplate := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, opts.KeySize),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyID),
			pkcs11.NewAttribute(pkcs11.CKA_ID, objectID),
		}
		privTemplate := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyID),
			pkcs11.NewAttribute(pkcs11.CKA_ID, objectID),
		}
		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)}

		pubHandle, privHandle, err := h.p.GenerateKeyPair(sh, mech, pubTemplate, privTemplate)
		if err != nil {
			return fmt.Errorf("GenerateKeyPair: %w", err)
		}
		generated = []pkcs11.ObjectHandle{pubHandle, privHandle}

		attrs, err := h.p.GetAttributeValue(sh, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return fmt.Errorf("reading public key attributes: %w", err)
		}
		pub := &rsa.PublicKey{}
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_MODULUS:
				pub.N = new(big.Int).SetBytes(a.Value)
			case pkcs11.CKA_PUBLIC_EXPONENT:
				pub.E = int(new(big.Int).SetBytes(a.Value).Int64())
			}
		}
		if pub.N == nil || pub.E == 0 {
			return errors.New("token returned an incomplete public key")
		}
		publicPEM, err = encodePublicKey(pub)
		return err
	})
	if err != nil {
		h.discard(ctx, keyID, generated)
		return nil, err
	}

	material := &domain.KeyMaterial{
		KeyID:        keyID,
		Algorithm:    opts.Algorithm,
		KeySize:      opts.KeySize,
		Backend:      domain.BackendHardware,
		Status:       domain.KeyStatusActive,
		PublicKeyPEM: publicPEM,
		ProviderRef:  hex.EncodeToString(objectID),
		CreatedAt:    h.now().UTC(),
	}
	if err := h.store.Put(ctx, material); err != nil {
		// メタデータのない鍵は解決できないため、トークンに残さない
		h.discard(ctx, keyID, generated)
		return nil, fmt.Errorf("storing key metadata: %w", err)
	}

	slog.InfoContext(ctx, "key pair generated",
		"backend", domain.BackendHardware,
		"key_id", keyID,
		"key_size", opts.KeySize,
	)
	return &domain.GeneratedKey{KeyID: keyID, PublicKeyPEM: publicPEM}, nil
}

// discard は登録に失敗した鍵ペアをトークンから削除する。
func (h *HardwareProvider) discard(ctx context.Context, keyID string, handles []pkcs11.ObjectHandle) {
	if len(handles) == 0 {
		return
	}
	err := h.withSession(context.WithoutCancel(ctx), func(sh pkcs11.SessionHandle) error {
		var errs []error
		for _, o := range handles {
			if err := h.p.DestroyObject(sh, o); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to discard generated key objects",
			"backend", domain.BackendHardware,
			"key_id", keyID,
			"error", err,
		)
	}
}

func signMechanism(alg domain.SignatureAlgorithm) (uint, error) {
	switch alg {
	case domain.RS256:
		return pkcs11.CKM_SHA256_RSA_PKCS, nil
	case domain.RS384:
		return pkcs11.CKM_SHA384_RSA_PKCS, nil
	case domain.RS512:
		return pkcs11.CKM_SHA512_RSA_PKCS, nil
	}
	return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
}

// Sign はトークン内の秘密鍵で署名する。ハッシュはトークン側で計算される。
func (h *HardwareProvider) Sign(ctx context.Context, data []byte, keyID string, alg domain.SignatureAlgorithm) (string, error) {
	mechanism, err := signMechanism(alg)
	if err != nil {
		return "", err
	}
	material, err := h.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	if material.Status != domain.KeyStatusActive {
		return "", fmt.Errorf("key %s is %s", keyID, material.Status)
	}
	objectID, err := hex.DecodeString(material.ProviderRef)
	if err != nil {
		return "", fmt.Errorf("decoding object id: %w", err)
	}

	var sig []byte
	err = h.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		handles, err := h.findObjects(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_ID, objectID),
		})
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return domain.NewKeyNotFound(keyID)
		}
		if err := h.p.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, handles[0]); err != nil {
			return fmt.Errorf("SignInit: %w", err)
		}
		sig, err = h.p.Sign(sh, data)
		if err != nil {
			return fmt.Errorf("Sign: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify は保存済みの公開鍵で検証する。トークンは使わない。
func (h *HardwareProvider) Verify(ctx context.Context, data []byte, signature string, keyID string, alg domain.SignatureAlgorithm) (bool, error) {
	material, err := h.store.Get(ctx, keyID)
	if err != nil {
		return false, err
	}
	return verifyWithPublicKey(material.PublicKeyPEM, data, signature, alg)
}

// GetPublicKey は公開鍵のPEMを返す。
func (h *HardwareProvider) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	material, err := h.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	return material.PublicKeyPEM, nil
}

// GetCertificate は証明書のPEMを返す。
func (h *HardwareProvider) GetCertificate(ctx context.Context, keyID string) (string, error) {
	material, err := h.store.Get(ctx, keyID)
	if err != nil {
		return "", err
	}
	return material.CertificatePEM, nil
}

// StoreCertificate は証明書をトークンとKeyStoreの両方に保存する。
func (h *HardwareProvider) StoreCertificate(ctx context.Context, keyID string, certificatePEM string) error {
	unlock := h.locks.lock(keyID)
	defer unlock()

	material, err := h.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if err := checkCertificate(certificatePEM, material.PublicKeyPEM); err != nil {
		return err
	}
	block, _ := pem.Decode([]byte(certificatePEM))
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCertificate, err)
	}
	objectID, err := hex.DecodeString(material.ProviderRef)
	if err != nil {
		return fmt.Errorf("decoding object id: %w", err)
	}

	err = h.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		existing, err := h.findObjects(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_ID, objectID),
		})
		if err != nil {
			return err
		}
		for _, o := range existing {
			if err := h.p.DestroyObject(sh, o); err != nil {
				return fmt.Errorf("removing previous certificate: %w", err)
			}
		}
		_, err = h.p.CreateObject(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyID),
			pkcs11.NewAttribute(pkcs11.CKA_ID, objectID),
			pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, cert.RawSubject),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, cert.Raw),
		})
		if err != nil {
			return fmt.Errorf("CreateObject: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return h.store.UpdateCertificate(ctx, keyID, certificatePEM)
}

// DeleteKey はトークン上の秘密鍵・公開鍵・証明書と、メタデータを削除する。
func (h *HardwareProvider) DeleteKey(ctx context.Context, keyID string) (bool, error) {
	unlock := h.locks.lock(keyID)
	defer unlock()

	material, err := h.store.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	objectID, err := hex.DecodeString(material.ProviderRef)
	if err != nil {
		return false, fmt.Errorf("decoding object id: %w", err)
	}

	err = h.withSession(ctx, func(sh pkcs11.SessionHandle) error {
		handles, err := h.findObjects(sh, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, objectID),
		})
		if err != nil {
			return err
		}
		for _, o := range handles {
			if err := h.p.DestroyObject(sh, o); err != nil {
				return fmt.Errorf("DestroyObject: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	deleted, err := h.store.Delete(ctx, keyID)
	if err != nil {
		return false, fmt.Errorf("deleting key metadata: %w", err)
	}
	slog.InfoContext(ctx, "key deleted", "backend", domain.BackendHardware, "key_id", keyID)
	return deleted, nil
}

// KeyExists は鍵が存在するかを返す。
func (h *HardwareProvider) KeyExists(ctx context.Context, keyID string) (bool, error) {
	return h.store.Exists(ctx, keyID)
}

// ListKeys は全鍵のメタデータを返す。
func (h *HardwareProvider) ListKeys(ctx context.Context) ([]*domain.SigningKey, error) {
	materials, err := h.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	keys := make([]*domain.SigningKey, len(materials))
	for i, m := range materials {
		keys[i] = m.Metadata()
	}
	return keys, nil
}

// GetStatus はトークン情報を含む稼働状況を返す。
func (h *HardwareProvider) GetStatus(ctx context.Context) (*domain.ProviderStatus, error) {
	status := &domain.ProviderStatus{
		Backend:  domain.BackendHardware,
		Provider: h.name,
		Details:  map[string]string{"exportable": "false", "slot": fmt.Sprint(h.slot)},
	}
	info, err := h.p.GetTokenInfo(h.slot)
	if err != nil {
		status.Details["error"] = err.Error()
		return status, nil
	}
	status.Details["token_label"] = strings.TrimSpace(info.Label)
	status.Details["manufacturer"] = strings.TrimSpace(info.ManufacturerID)
	status.Details["model"] = strings.TrimSpace(info.Model)

	materials, err := h.store.List(ctx)
	if err != nil {
		status.Details["error"] = err.Error()
		return status, nil
	}
	status.Available = true
	status.KeyCount = len(materials)
	return status, nil
}

// Close はセッションを閉じてライブラリを解放する。
func (h *HardwareProvider) Close() error {
	for {
		select {
		case sh := <-h.sessions:
			h.p.CloseSession(sh)
		default:
			h.p.Finalize()
			h.p.Destroy()
			return nil
		}
	}
}
