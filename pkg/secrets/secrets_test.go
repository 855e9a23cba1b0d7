package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("QP_TEST_SECRET", "s3cr3t")
	p, err := NewProvider(context.Background(), "env")
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	got, err := p.GetSecret(context.Background(), "QP_TEST_SECRET")
	if err != nil || got != "s3cr3t" {
		t.Fatalf("GetSecret = %q, %v", got, err)
	}
	if _, err := p.GetSecret(context.Background(), "QP_TEST_MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing secret err = %v", err)
	}
}

func TestUnknownSource(t *testing.T) {
	if _, err := NewProvider(context.Background(), "file"); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

type fakeLogical struct {
	path   string
	secret *vault.Secret
}

func (f *fakeLogical) ReadWithContext(ctx context.Context, path string) (*vault.Secret, error) {
	f.path = path
	return f.secret, nil
}

func TestVaultProviderReadsKV2(t *testing.T) {
	logical := &fakeLogical{secret: &vault.Secret{Data: map[string]interface{}{
		"data": map[string]interface{}{"value": "from-vault"},
	}}}
	p := &vaultProvider{logical: logical, secretPath: "secret/data/quickpaste"}
	got, err := p.GetSecret(context.Background(), "BLOB_SECRET_KEY")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got != "from-vault" {
		t.Errorf("value = %q", got)
	}
	if logical.path != "secret/data/quickpaste/BLOB_SECRET_KEY" {
		t.Errorf("path = %q", logical.path)
	}

	logical.secret = nil
	if _, err := p.GetSecret(context.Background(), "X"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("nil secret err = %v", err)
	}
}

type fakeSM struct {
	value *string
}

func (f *fakeSM) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestAWSProvider(t *testing.T) {
	v := "from-aws"
	p := &awsProvider{sm: &fakeSM{value: &v}}
	got, err := p.GetSecret(context.Background(), "k")
	if err != nil || got != "from-aws" {
		t.Fatalf("GetSecret = %q, %v", got, err)
	}
	p.sm = &fakeSM{}
	if _, err := p.GetSecret(context.Background(), "k"); err == nil {
		t.Error("expected error for binary secret")
	}
}
