// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	log "github.com/hpe-storage/scsi-pr-engine/logger"
)

// fileSign is written LAST during save and checked FIRST during load:
// a file whose signature doesn't match was either never fully written
// or has been corrupted, and is rejected outright rather than
// partially trusted.
const fileSign uint64 = 0xBBEEEEAAEEBBDD77

// fileVersion is the only on-disk format version this engine understands.
const fileVersion uint64 = 1

// maxFileSize is an anti-corruption cap: a PR file this large could only
// be garbage, a symlink attack, or a misconfigured path.
const maxFileSize = 15 * 1024 * 1024

const fileHeaderSize = 20 // sign(8) + version(8) + aptpl(1) + is_set(1) + type(1) + scope(1)

// order is the byte order used for every multi-byte field in the PR
// file. The file is read and written by the same machine, so it need
// not match network byte order; little-endian is the concrete choice,
// and the file is not portable across endianness.
var order = binary.LittleEndian

// Save persists dev's current state to dev.PRFilePath: copy the
// current file to the backup path, write the new body with a zeroed
// signature, fsync, then rewrite just the signature and fsync again.
// If dev.APTPL is false or there are no registrants, both files are
// removed instead - APTPL-off state never survives a restart, so there
// is nothing to keep on disk.
//
// Must be called with dev.PRMu held for write. A write failure is
// logged at error level and swallowed: the in-memory mutation that
// triggered this save already completed and is not rolled back.
func (dev *Device) Save() {
	if !dev.APTPL || len(dev.Registrants) == 0 {
		dev.removeFiles()
		return
	}

	if err := dev.save(); err != nil {
		log.Errorf("Save: failed to persist PR state for device %s: %v", dev.Name, err)
	}
}

func (dev *Device) removeFiles() {
	if err := os.Remove(dev.PRFilePath); err != nil && !os.IsNotExist(err) {
		log.Warnf("Save: failed to remove %s: %v", dev.PRFilePath, err)
	}
	if err := os.Remove(dev.PRFilePathBackup); err != nil && !os.IsNotExist(err) {
		log.Warnf("Save: failed to remove %s: %v", dev.PRFilePathBackup, err)
	}
}

func (dev *Device) save() (err error) {
	// Step 1: copy the current primary to the backup before touching it,
	// so a crash mid-write still leaves a recoverable backup. It's fine
	// for this to fail with "not exist" on a device's first ever save.
	if copyErr := copyFile(dev.PRFilePath, dev.PRFilePathBackup); copyErr != nil && !os.IsNotExist(copyErr) {
		log.Warnf("Save: failed to snapshot backup for %s: %v", dev.Name, copyErr)
	}

	f, err := os.OpenFile(dev.PRFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", dev.PRFilePath, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	body := dev.encodeBody()

	// Step 3: write the header with a ZERO signature first, then the
	// body, then fsync - the file is only structurally complete at this
	// point, never yet "valid".
	if writeErr := writeHeaderAndBody(f, 0, body); writeErr != nil {
		unlinkHalfWritten(dev.PRFilePath)
		return fmt.Errorf("write body: %w", writeErr)
	}
	if syncErr := fsync(f); syncErr != nil {
		unlinkHalfWritten(dev.PRFilePath)
		return fmt.Errorf("fsync body: %w", syncErr)
	}

	// Step 4: seek back to offset 0 and write the real signature, then
	// fsync again. Only after this does the file become loadable.
	if _, seekErr := f.Seek(0, 0); seekErr != nil {
		unlinkHalfWritten(dev.PRFilePath)
		return fmt.Errorf("seek to signature: %w", seekErr)
	}
	var signBuf [8]byte
	order.PutUint64(signBuf[:], fileSign)
	if _, werr := f.Write(signBuf[:]); werr != nil {
		unlinkHalfWritten(dev.PRFilePath)
		return fmt.Errorf("write signature: %w", werr)
	}
	if syncErr := fsync(f); syncErr != nil {
		unlinkHalfWritten(dev.PRFilePath)
		return fmt.Errorf("fsync signature: %w", syncErr)
	}

	return nil
}

func unlinkHalfWritten(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Errorf("Save: failed to remove half-written file %s: %v", path, err)
	}
}

func writeHeaderAndBody(f *os.File, sign uint64, body []byte) error {
	var hdr [fileHeaderSize]byte
	order.PutUint64(hdr[0:8], sign)
	order.PutUint64(hdr[8:16], fileVersion)
	// aptpl/is_set/type/scope are filled into hdr by the caller via body[0:4]
	// being the same four bytes - see encodeBody, which returns the full
	// post-header body starting at offset 16.
	copy(hdr[16:20], body[0:4])
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.Write(body[4:]); err != nil {
		return err
	}
	return nil
}

// encodeBody returns bytes [16:] of the file: aptpl, is_set, type, scope,
// followed by each registrant's record.
func (dev *Device) encodeBody() []byte {
	var buf bytes.Buffer
	buf.WriteByte(boolByte(dev.APTPL))
	buf.WriteByte(boolByte(dev.IsSet))
	buf.WriteByte(byte(dev.Type))
	buf.WriteByte(byte(dev.Scope))

	for _, reg := range dev.Registrants {
		buf.WriteByte(boolByte(reg == dev.Holder))
		buf.Write(reg.TransportID)
		var keyBuf [8]byte
		order.PutUint64(keyBuf[:], reg.Key)
		buf.Write(keyBuf[:])
		var relBuf [2]byte
		order.PutUint16(relBuf[:], reg.RelTgtID)
		buf.Write(relBuf[:])
	}
	return buf.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Load reconstructs dev's in-memory state from its primary PR file,
// falling back to the backup if the primary is missing or structurally
// invalid. Must be called with dev.PRMu held for write, before the
// device starts serving commands. A missing primary and backup is not an
// error: the device simply starts with empty PR state.
func (dev *Device) Load() error {
	primaryErr := dev.loadFile(dev.PRFilePath)
	if primaryErr == nil {
		return nil
	}
	if !os.IsNotExist(primaryErr) {
		log.Warnf("Load: primary PR file for device %s invalid (%v), trying backup", dev.Name, primaryErr)
	}

	backupErr := dev.loadFile(dev.PRFilePathBackup)
	if backupErr == nil {
		log.Warnf("Load: recovered device %s PR state from backup file", dev.Name)
		return nil
	}
	if os.IsNotExist(primaryErr) && os.IsNotExist(backupErr) {
		// Neither file exists: empty state, not an error.
		return nil
	}
	if os.IsNotExist(backupErr) {
		return primaryErr
	}
	return backupErr
}

func (dev *Device) loadFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := fi.Size()
	if size == 0 || size >= maxFileSize {
		return fmt.Errorf("invalid PR file size %d for %s", size, path)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if int64(len(buf)) != size {
		return fmt.Errorf("short read on %s", path)
	}

	if len(buf) < fileHeaderSize {
		return fmt.Errorf("%s: file smaller than header", path)
	}
	sign := order.Uint64(buf[0:8])
	if sign != fileSign {
		return fmt.Errorf("%s: bad signature %016x", path, sign)
	}
	version := order.Uint64(buf[8:16])
	if version != fileVersion {
		return fmt.Errorf("%s: unsupported version %d", path, version)
	}

	// First pass: validate that the sum of all record sizes does not
	// exceed the file size before committing any mutation to dev.
	type rec struct {
		isHolder bool
		tid      []byte
		key      uint64
		relTgtID uint16
	}
	var records []rec
	pos := fileHeaderSize
	for pos < len(buf) {
		if pos+1 > len(buf) {
			return fmt.Errorf("%s: truncated record header", path)
		}
		isHolder := buf[pos] != 0
		pos++
		if pos >= len(buf) {
			return fmt.Errorf("%s: truncated transport id", path)
		}
		tidSize := int(TransportIDSize(buf[pos:]))
		if tidSize <= 0 || pos+tidSize+8+2 > len(buf) {
			return fmt.Errorf("%s: record size exceeds file size", path)
		}
		tid := make([]byte, tidSize)
		copy(tid, buf[pos:pos+tidSize])
		pos += tidSize

		key := order.Uint64(buf[pos : pos+8])
		pos += 8
		relTgtID := order.Uint16(buf[pos : pos+2])
		pos += 2

		if key == 0 {
			return fmt.Errorf("%s: registrant with zero key", path)
		}
		records = append(records, rec{isHolder, tid, key, relTgtID})
	}

	// Second pass: commit. Replace in-memory state wholesale.
	dev.Registrants = nil
	dev.Holder = nil
	dev.APTPL = buf[16] != 0
	dev.IsSet = buf[17] != 0
	dev.Type = Type(buf[18])
	dev.Scope = Scope(buf[19])

	for _, r := range records {
		reg := &Registrant{TransportID: r.tid, RelTgtID: r.relTgtID, Key: r.key}
		dev.bindingMu.Lock()
		reg.binding = dev.Hooks.FindTgtDev(dev, r.tid, r.relTgtID)
		dev.bindingMu.Unlock()
		dev.Registrants = append(dev.Registrants, reg)
		if r.isHolder {
			dev.Holder = reg
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}
	return fsync(out)
}

func fsync(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
