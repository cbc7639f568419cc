// Package seed obfuscates BIP-39 mnemonics by rotating each word's index in
// the English wordlist.
package seed

import (
	"errors"
	"fmt"
	"strings"

	bip39 "github.com/cosmos/go-bip39"
)

// DefaultKey is the rotation applied when none is configured.
const DefaultKey = 42

var (
	// ErrUnknownWord reports a word that is not in the wordlist.
	ErrUnknownWord = errors.New("seed: word is not in the BIP-39 wordlist")
	// ErrLength reports a phrase that is not 12 to 24 words in steps of 3.
	ErrLength = errors.New("seed: not a mnemonic length")
	// ErrChecksum reports a mnemonic whose last word does not match its
	// entropy, which is what a wrong key produces.
	ErrChecksum = errors.New("seed: mnemonic checksum mismatch")
)

var (
	words = bip39.WordList
	index = func() map[string]int {
		m := make(map[string]int, len(words))
		for i, w := range words {
			m[w] = i
		}
		return m
	}()
)

// Words returns the number of words in the list.
func Words() int { return len(words) }

// Encrypt rotates every word of phrase forward by key positions.
func Encrypt(phrase string, key int) (string, error) {
	return transform(phrase, key)
}

// Decrypt reverses Encrypt.
func Decrypt(phrase string, key int) (string, error) {
	return transform(phrase, -key)
}

// Verify checks that phrase is a complete mnemonic with a valid checksum.
func Verify(phrase string) error {
	fields := strings.Fields(strings.ToLower(phrase))
	if n := len(fields); n < 12 || n > 24 || n%3 != 0 {
		return fmt.Errorf("%w: %d words", ErrLength, n)
	}
	for i, w := range fields {
		if _, ok := index[w]; !ok {
			return fmt.Errorf("%w: %q (position %d)", ErrUnknownWord, w, i+1)
		}
	}
	if _, err := bip39.MnemonicToByteArray(strings.Join(fields, " ")); err != nil {
		return fmt.Errorf("%w: %v", ErrChecksum, err)
	}
	return nil
}

func transform(phrase string, key int) (string, error) {
	fields := strings.Fields(phrase)
	out := make([]string, len(fields))
	n := len(words)
	for i, w := range fields {
		idx, ok := index[strings.ToLower(w)]
		if !ok {
			return "", fmt.Errorf("%w: %q (position %d)", ErrUnknownWord, w, i+1)
		}
		out[i] = words[((idx+key)%n+n)%n]
	}
	return strings.Join(out, " "), nil
}
