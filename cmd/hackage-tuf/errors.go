package main

import "github.com/hackage-trust/tuf-client-go/trust"

type errClass int

const (
	classMisuse errClass = iota
	classVerification
	classTransport
)

// classifyErr sorts a returned error into one of the exit-code buckets the
// CLI contract distinguishes: retry against a different repository config
// for a transport failure, stop and investigate for a verification
// failure.
func classifyErr(err error) errClass {
	switch err.(type) {
	case trust.InvalidFileInfo, trust.UnknownKey, trust.SignatureThresholdNotMet,
		trust.InvalidSignature, trust.Expired, trust.VersionRollback, trust.WrongType,
		trust.DelegationUnresolved:
		return classVerification
	case trust.UpdateFailed, trust.UpdateImpossible, trust.CustomTransport, trust.FileTooLarge:
		return classTransport
	case trust.NoMirrorSelected:
		// A programmer error (WithRemote called outside any WithMirror
		// scope), not a transport failure worth retrying against.
		return classMisuse
	default:
		return classMisuse
	}
}
