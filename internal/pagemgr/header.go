package pagemgr

import (
	"encoding/binary"

	"github.com/haavardsel/kastordb/internal/kerr"
	"github.com/haavardsel/kastordb/internal/pageio"
)

var headerMagic = [4]byte{'K', 'D', 'B', 'F'}

const headerVersion uint32 = 1

// header is the layout of page 0: fixed fields describing where the
// bitmap, free-space map, and catalog regions currently live. Every region
// is relocatable — growth that can't be satisfied in place moves the
// region and rewrites these pointers.
type header struct {
	TotalPages   uint32
	BitmapStart  uint32
	BitmapPages  uint32
	FsmStart     uint32
	FsmPages     uint32
	CatalogStart uint32
	CatalogPages uint32
	PageSize     uint32
	Encrypted    bool
}

const (
	hOffTotalPages   = 8
	hOffBitmapStart  = 12
	hOffBitmapPages  = 16
	hOffFsmStart     = 20
	hOffFsmPages     = 24
	hOffCatalogStart = 28
	hOffCatalogPages = 32
	hOffPageSize     = 36
	hOffEncrypted    = 40
)

func encodeHeader(h header) [pageio.PageSize]byte {
	var buf [pageio.PageSize]byte
	copy(buf[0:4], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], headerVersion)
	binary.LittleEndian.PutUint32(buf[hOffTotalPages:], h.TotalPages)
	binary.LittleEndian.PutUint32(buf[hOffBitmapStart:], h.BitmapStart)
	binary.LittleEndian.PutUint32(buf[hOffBitmapPages:], h.BitmapPages)
	binary.LittleEndian.PutUint32(buf[hOffFsmStart:], h.FsmStart)
	binary.LittleEndian.PutUint32(buf[hOffFsmPages:], h.FsmPages)
	binary.LittleEndian.PutUint32(buf[hOffCatalogStart:], h.CatalogStart)
	binary.LittleEndian.PutUint32(buf[hOffCatalogPages:], h.CatalogPages)
	binary.LittleEndian.PutUint32(buf[hOffPageSize:], h.PageSize)
	if h.Encrypted {
		buf[hOffEncrypted] = 1
	}
	return buf
}

func decodeHeader(buf [pageio.PageSize]byte) (header, error) {
	if buf[0] != headerMagic[0] || buf[1] != headerMagic[1] || buf[2] != headerMagic[2] || buf[3] != headerMagic[3] {
		return header{}, kerr.New("pagemgr", kerr.InvalidHeader, nil)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != headerVersion {
		return header{}, kerr.New("pagemgr", kerr.UnsupportedVersion, nil)
	}
	h := header{
		TotalPages:   binary.LittleEndian.Uint32(buf[hOffTotalPages:]),
		BitmapStart:  binary.LittleEndian.Uint32(buf[hOffBitmapStart:]),
		BitmapPages:  binary.LittleEndian.Uint32(buf[hOffBitmapPages:]),
		FsmStart:     binary.LittleEndian.Uint32(buf[hOffFsmStart:]),
		FsmPages:     binary.LittleEndian.Uint32(buf[hOffFsmPages:]),
		CatalogStart: binary.LittleEndian.Uint32(buf[hOffCatalogStart:]),
		CatalogPages: binary.LittleEndian.Uint32(buf[hOffCatalogPages:]),
		PageSize:     binary.LittleEndian.Uint32(buf[hOffPageSize:]),
		Encrypted:    buf[hOffEncrypted] != 0,
	}
	return h, nil
}
