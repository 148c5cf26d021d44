//go:build dispatch_ptrauth

package vm

func defaultEncoding() impEncoding { return newSignedEncoding() }
