// Package cryptoutils holds the key and certificate helpers used around an
// enrollment: RSA key generation, PKCS #10 requests with a challengePassword
// attribute, the transient self-signed signer certificate, and PEM wrappers
// (TLSCSR, TLSCert, CACert, RSAPrivkey) with validation.
package cryptoutils
