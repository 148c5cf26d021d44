//go:build dispatch_rawimp && !dispatch_ptrauth

package vm

func defaultEncoding() impEncoding { return rawEncoding{} }
