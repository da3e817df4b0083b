package config

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipherFromMachineID("fixed-test-machine-id")
	cases := []string{
		"",
		"hunter2",
		"a very long password with spaces and symbols !@#$%^&*()",
		"短い日本語のパスワード",
	}
	for _, plain := range cases {
		enc, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt(%q): %v", plain, err)
		}
		if plain == "" {
			if enc != "" {
				t.Fatalf("expected empty ciphertext for empty plaintext, got %q", enc)
			}
			continue
		}
		if enc == plain {
			t.Fatalf("ciphertext equals plaintext for %q", plain)
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt(%q): %v", enc, err)
		}
		if dec != plain {
			t.Fatalf("round trip mismatch: got %q want %q", dec, plain)
		}
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	c := NewCipherFromMachineID("fixed-test-machine-id")
	got, err := c.Decrypt("plaintext-from-an-older-config")
	if err != nil {
		t.Fatal(err)
	}
	if got != "plaintext-from-an-older-config" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestEncryptDocumentRoundTrip(t *testing.T) {
	c := NewCipherFromMachineID("fixed-test-machine-id")
	doc := Document{Version: CurrentVersion, Printers: []PrinterConfig{
		{
			Name:         "k1",
			MQTTUser:     "u",
			MQTTPassword: "p",
			SSHPassword:  "s",
		},
	}}
	encDoc, err := c.EncryptDocument(doc)
	if err != nil {
		t.Fatal(err)
	}
	if encDoc.Printers[0].MQTTPassword == "p" {
		t.Fatal("expected MQTTPassword to be encrypted")
	}
	decDoc, err := c.DecryptDocument(encDoc)
	if err != nil {
		t.Fatal(err)
	}
	if decDoc.Printers[0].MQTTPassword != "p" || decDoc.Printers[0].SSHPassword != "s" {
		t.Fatalf("round trip mismatch: %+v", decDoc.Printers[0])
	}
}

func TestPrinterConfigCheckDefaults(t *testing.T) {
	p := PrinterConfig{Name: "k1", IP: "10.0.0.5", MjpegPort: 8080}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
	if p.SSHPort != 22 || p.MQTTPort != 9883 || p.MaxFps != 10 || p.IdleFps != 1 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestPrinterConfigCheckRejectsMissingFields(t *testing.T) {
	p := PrinterConfig{}
	if err := p.Check(); err == nil {
		t.Fatal("expected error for missing name")
	}
}
