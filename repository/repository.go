// Package repository defines the uniform interface over local and
// HTTP-backed metadata/package sources that the client driver talks to,
// built around a WithRemote/WithMirror scoped-callback contract instead
// of a single flat Update/Download API so mirror selection and streamed,
// bounded downloads are expressible without every caller reimplementing
// them.
package repository

import (
	"context"

	"github.com/hackage-trust/tuf-client-go/localcache"
	"github.com/hackage-trust/tuf-client-go/trust"
)

// Format is one of the wire encodings a repository file may be offered in.
type Format int

const (
	Uncompressed Format = iota
	Gzip
)

func (f Format) String() string {
	if f == Gzip {
		return "gzip"
	}
	return "uncompressed"
}

// FormatSet is a non-empty set over {Uncompressed, Gzip}.
type FormatSet struct {
	has [2]bool
}

// NewFormatSet builds a FormatSet over the given formats.
func NewFormatSet(formats ...Format) FormatSet {
	var s FormatSet
	for _, f := range formats {
		s.has[f] = true
	}
	return s
}

// Has reports whether f is a member.
func (s FormatSet) Has(f Format) bool { return s.has[f] }

// Choose picks a format to fetch, preferring Uncompressed when both are
// offered (it's the only format the incremental-update path can use).
func (s FormatSet) Choose() (Format, bool) {
	if s.Has(Uncompressed) {
		return Uncompressed, true
	}
	if s.Has(Gzip) {
		return Gzip, true
	}
	return 0, false
}

// SizeHintKind distinguishes how precisely a caller already knows a
// remote file's size.
type SizeHintKind int

const (
	SizeUnknown SizeHintKind = iota
	SizeExact
	SizeUpper
)

// SizeHint carries whatever sizing information the caller has already
// obtained from trusted metadata (e.g. a FileInfo.Length), used by the
// transport layer as the download bound.
type SizeHint struct {
	Kind SizeHintKind
	N    int64
}

// RemoteFileKind discriminates the RemoteFile union.
type RemoteFileKind int

const (
	KindTimestamp RemoteFileKind = iota
	KindRoot
	KindSnapshot
	KindMirrors
	KindIndex
	KindPkgTarGz
)

// RemoteFile is a tagged union describing what with_remote should fetch,
// carrying whatever sizing/format information the caller has already
// verified from trusted metadata.
type RemoteFile struct {
	Kind      RemoteFileKind
	Size      SizeHint
	Formats   FormatSet // only meaningful for KindIndex
	PackageID string    // only meaningful for KindPkgTarGz, "<name>-<version>"
}

// Timestamp requests timestamp.json. Nothing trusted pins its length ahead
// of time, so size is whatever upper bound the caller's own configuration
// chooses to apply (SizeUnknown disables the check entirely).
func Timestamp(size SizeHint) RemoteFile { return RemoteFile{Kind: KindTimestamp, Size: size} }

// Root requests root.json, optionally with a size bound.
func Root(size SizeHint) RemoteFile { return RemoteFile{Kind: KindRoot, Size: size} }

// Snapshot requests snapshot.json with its declared length.
func Snapshot(len int64) RemoteFile {
	return RemoteFile{Kind: KindSnapshot, Size: SizeHint{Kind: SizeExact, N: len}}
}

// Mirrors requests mirrors.json with its declared length.
func Mirrors(len int64) RemoteFile {
	return RemoteFile{Kind: KindMirrors, Size: SizeHint{Kind: SizeExact, N: len}}
}

// Index requests the package index in one of the given formats. It carries
// a single declared length, used as the bound whichever format is fetched;
// there is no separate length per format.
func Index(formats FormatSet, declaredLen int64) RemoteFile {
	return RemoteFile{Kind: KindIndex, Formats: formats, Size: SizeHint{Kind: SizeExact, N: declaredLen}}
}

// PkgTarGz requests a package tarball by its "<name>-<version>" id.
func PkgTarGz(pkgID string, declaredLen int64) RemoteFile {
	return RemoteFile{Kind: KindPkgTarGz, PackageID: pkgID, Size: SizeHint{Kind: SizeExact, N: declaredLen}}
}

// SelectedFormat names which encoding with_remote actually fetched, so the
// caller can decompress (or not) before verifying.
type SelectedFormat int

const (
	SelectedUncompressed SelectedFormat = iota
	SelectedGzip
)

// WithRemoteFunc receives the format that was actually fetched and the
// path to a temp file holding its (still unverified) bytes. The callback
// is responsible for verifying the bytes before committing anything to
// the trusted cache.
type WithRemoteFunc func(format SelectedFormat, tempPath string) error

// MirrorScope is run by WithMirror with a mirror selected for its
// duration; nested WithRemote calls made from inside use that mirror.
type MirrorScope func(ctx context.Context) error

// Repository is the uniform API the client driver uses over both the
// local-only test fixture and the HTTP adapter.
type Repository interface {
	// WithRemote ensures file is available locally and invokes cb with
	// the selected format and a path to the downloaded bytes.
	WithRemote(ctx context.Context, file RemoteFile, cb WithRemoteFunc) error

	// GetCached gives read-only access to already-verified local state.
	GetCached(name string) (string, bool)

	// GetCachedRoot is GetCached specialized to root.json; its absence is
	// fatal rather than merely "not found".
	GetCachedRoot() (string, error)

	// ClearCache forgets the cached timestamp and snapshot.
	ClearCache() error

	// GetFromIndex resolves a single index-resident file without
	// unpacking the whole tarball.
	GetFromIndex(pkg localcache.PackageID, filename string) ([]byte, bool, error)

	// WithMirror selects a mirror for scope's duration.
	WithMirror(ctx context.Context, scope MirrorScope) error

	// LearnMirrors folds a freshly verified mirrors.json into whatever
	// failover list WithMirror draws from, so mirrors discovered in-band
	// take effect starting with the next WithMirror call.
	LearnMirrors(mirrors trust.MirrorsType)

	// Log emits a structured event.
	Log(msg string, kv ...any)
}
