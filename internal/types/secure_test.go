package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSecretString_Redaction(t *testing.T) {
	secret := SecretString("whsec_super_secret")

	if got := secret.String(); strings.Contains(got, "super_secret") {
		t.Errorf("String() leaked the secret: %q", got)
	}
	if got := fmt.Sprintf("secret is %s", secret); strings.Contains(got, "super_secret") {
		t.Errorf("fmt leaked the secret: %q", got)
	}

	b, err := json.Marshal(struct {
		Key SecretString `json:"key"`
	}{Key: secret})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(b), "super_secret") {
		t.Errorf("JSON leaked the secret: %s", b)
	}

	if secret.Unmask() != "whsec_super_secret" {
		t.Error("Unmask() must return the raw value")
	}
}
