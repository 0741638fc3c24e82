// Package scepserver is a reference SCEP responder in front of a ca.Authority.
//
// It serves GetCACaps, GetCACert and PKIOperation (PKCSReq, RenewalReq and
// GetCertInitial) over HTTP GET and POST, plus the usual health endpoints:
//
//	GET  /livez
//	GET  /readyz
//	GET  /drain
//	GET  /undrain
//
// LocalTransport drives the same Handler in-process, which is how the
// enrollment engine is exercised end to end in tests.
package scepserver
