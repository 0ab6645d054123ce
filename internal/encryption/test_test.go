package encryption

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"
)

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "vcard", input: []byte("BEGIN:VCARD\r\nFN:Ada Lovelace\r\nEND:VCARD\r\n")},
		{name: "empty", input: []byte{}},
		{name: "binary", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		// Longer than the key and the copy buffer, so the keystream wraps.
		{name: "large", input: bytes.Repeat([]byte("Subject: hello\r\n"), 5000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewTestEncryptor()

			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(sealed.Bytes(), testMagic) {
				t.Fatal("sealed blob lacks magic prefix")
			}
			if got, want := sealed.Len(), len(testMagic)+len(tt.input); got != want {
				t.Errorf("sealed length = %d, want %d", got, want)
			}
			if len(tt.input) > 0 && bytes.Contains(sealed.Bytes(), tt.input) {
				t.Error("sealed blob contains the plaintext")
			}

			// One byte per Read exercises keystream offsets across reads.
			var opened bytes.Buffer
			if err := e.Decrypt(iotest.OneByteReader(bytes.NewReader(sealed.Bytes())), &opened); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(opened.Bytes(), tt.input) {
				t.Errorf("round trip = %q, want %q", opened.Bytes(), tt.input)
			}
		})
	}
}

func TestTestEncryptor_Deterministic(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	var a, b bytes.Buffer
	for _, buf := range []*bytes.Buffer{&a, &b} {
		if err := e.Encrypt(bytes.NewReader([]byte("same body")), buf); err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("same input produced different ciphertext")
	}
}

func TestTestEncryptor_DecryptRejectsForeignData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "truncated magic", input: []byte("PIM")},
		{name: "plaintext", input: []byte("BEGIN:VCARD")},
		{name: "zstd frame", input: []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := NewTestEncryptor().Decrypt(bytes.NewReader(tt.input), &out)
			if !errors.Is(err, ErrNotTestCiphertext) {
				t.Errorf("Decrypt() error = %v, want ErrNotTestCiphertext", err)
			}
			if out.Len() != 0 {
				t.Errorf("Decrypt() wrote %d bytes on failure", out.Len())
			}
		})
	}
}

func TestTestEncryptor_SetupIsNoop(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	if err := e.Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false, want true")
	}
}
