// Package storage delivers issued credentials to pluggable backends.
//
// Once an enrollment completes, the certificate chain and optionally the
// requester key are written as PEM under the transaction id:
//
//   - File system storage for local use
//   - S3-compatible object storage
//   - Vault KV v2, authenticated with a token or a TLS client certificate
//
// # Storage URI Format
//
//	file:///var/lib/scep/issued
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=https://minio:9000&path_style=true
//	vault://[TOKEN@]vault.example.com:8200/secret/scep?tls=false
//
// Several URIs can be combined with StoreFactory.CreateMultiStore, which writes
// to every available backend and reads from the first one holding the entry.
//
// Only the enrollment output is stored; transaction state is never persisted.
package storage
