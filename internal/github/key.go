package github

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GitHub Appの鍵ファイルで使われるPEMブロックタイプ。
// GitHubがダウンロードさせる鍵はPKCS#1形式。
const (
	pemTypeLegacyRSA = "RSA PRIVATE KEY" // PKCS#1
	pemTypeWrapped   = "PRIVATE KEY"     // PKCS#8
)

// ParsePrivateKey はPEM形式のRSA秘密鍵を解釈して返す。
// PKCS#1形式とPKCS#8形式の両方を受け付け、両方のブロックが含まれる場合は
// PKCS#8を優先する。ブロックタイプと中身の形式が食い違う鍵も、
// もう一方の形式として再解釈を試みる。
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, err := findKeyBlock([]byte(pemText))
	if err != nil {
		return nil, err
	}

	if block.Type == pemTypeWrapped {
		key, err := parseWrapped(block.Bytes)
		if err == nil {
			return key, nil
		}
		// PRIVATE KEYラベルでも中身がPKCS#1のままの鍵がある。
		// PKCS#8エンベロープを被せて再解釈する。
		if key, retryErr := parseWrapped(WrapLegacyKey(block.Bytes)); retryErr == nil {
			return key, nil
		}
		return nil, err
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	// RSA PRIVATE KEYラベルでも中身がPKCS#8の鍵がある。
	if key, retryErr := parseWrapped(block.Bytes); retryErr == nil {
		return key, nil
	}
	return nil, &KeyFormatError{Reason: "failed to parse PKCS#1 private key", Err: err}
}

// parseWrapped はPKCS#8形式のDERバイト列からRSA秘密鍵を取り出す。
func parseWrapped(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &KeyFormatError{Reason: "failed to parse PKCS#8 private key", Err: err}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &KeyFormatError{Reason: fmt.Sprintf("not an RSA private key: %T", key)}
	}
	return rsaKey, nil
}

// findKeyBlock はPEMテキストから秘密鍵ブロックを探す。
// PKCS#8とPKCS#1の両方が含まれる場合はPKCS#8を返す。
func findKeyBlock(data []byte) (*pem.Block, error) {
	var legacy *pem.Block
	found := false
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		found = true
		switch block.Type {
		case pemTypeWrapped:
			return block, nil
		case pemTypeLegacyRSA:
			if legacy == nil {
				legacy = block
			}
		}
	}
	if legacy != nil {
		return legacy, nil
	}
	if !found {
		return nil, &KeyFormatError{Reason: "no PEM block found"}
	}
	return nil, &KeyFormatError{Reason: "no RSA private key block in PEM"}
}

// rsaAlgorithmIdentifier はrsaEncryption（OID 1.2.840.113549.1.1.1）の
// AlgorithmIdentifier SEQUENCE全体のDERエンコーディング。パラメータはNULL。
var rsaAlgorithmIdentifier = []byte{
	0x30, 0x0d, // SEQUENCE（13バイト）
	0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01, // OID 1.2.840.113549.1.1.1
	0x05, 0x00, // NULL
}

// pkcs8Version はPrivateKeyInfoのversionフィールド（INTEGER 0）のDERエンコーディング。
var pkcs8Version = []byte{0x02, 0x01, 0x00}

// WrapLegacyKey はPKCS#1形式のDERバイト列をPKCS#8のPrivateKeyInfo構造に包んで返す。
// crypto/x509が直接解釈できない鍵を救済するフォールバックとして使う。
//
//	PrivateKeyInfo ::= SEQUENCE {
//	    version             INTEGER 0,
//	    privateKeyAlgorithm AlgorithmIdentifier,
//	    privateKey          OCTET STRING }
func WrapLegacyKey(pkcs1 []byte) []byte {
	octet := append([]byte{0x04}, derLength(len(pkcs1))...)
	octet = append(octet, pkcs1...)

	inner := make([]byte, 0, len(pkcs8Version)+len(rsaAlgorithmIdentifier)+len(octet))
	inner = append(inner, pkcs8Version...)
	inner = append(inner, rsaAlgorithmIdentifier...)
	inner = append(inner, octet...)

	out := append([]byte{0x30}, derLength(len(inner))...)
	return append(out, inner...)
}

// derLength はDERの定義長エンコーディングを返す。
// 128未満は短形式の1バイト。128以上は長形式で、先頭バイトの下位7ビットが
// 後続の長さバイト数を示し、続いて最小幅のビッグエンディアンで長さを並べる。
func derLength(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var buf []byte
	for v := n; v > 0; v >>= 8 {
		buf = append([]byte{byte(v)}, buf...)
	}
	return append([]byte{byte(0x80 | len(buf))}, buf...)
}
