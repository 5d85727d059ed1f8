package rtf_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docshield/scanner/internal/rtf"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// h concatenates hex fragments, dropping the spaces used for readability.
func h(fragments ...string) string {
	return strings.ReplaceAll(strings.Join(fragments, ""), " ", "")
}

// Common object header fragments.
const (
	objMagic   = "0105000002000000"
	objNoDesc  = "00000000"
	objZeros   = "0000000000000000"
	descTest   = "04000000 74657374" // length 4, "test"
	sizeTwo    = "02000000"
	payloadOLE = "d0cf"
	payloadRaw = "4142"
)

// capturedObject records one downstream scanner invocation.
type capturedObject struct {
	kind string // "ole10native" or "generic"
	data []byte
	path string
}

// fakeScanner implements rtf.ObjectScanner, capturing every object it is
// handed. When infectOn is non-empty, any object whose bytes contain it
// yields an infected verdict named by signature.
type fakeScanner struct {
	calls     []capturedObject
	infectOn  []byte
	signature string
	err       error
}

func (f *fakeScanner) scan(kind string, file *os.File, path string) (rtf.Result, error) {
	if f.err != nil {
		return rtf.Result{}, f.err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return rtf.Result{}, err
	}
	f.calls = append(f.calls, capturedObject{kind: kind, data: data, path: path})
	if len(f.infectOn) > 0 && bytes.Contains(data, f.infectOn) {
		return rtf.Result{Infected: true, Signature: f.signature}, nil
	}
	return rtf.Result{}, nil
}

func (f *fakeScanner) ScanOLE10Native(_ context.Context, file *os.File) (rtf.Result, error) {
	return f.scan("ole10native", file, "")
}

func (f *fakeScanner) ScanGeneric(_ context.Context, file *os.File, path string) (rtf.Result, error) {
	return f.scan("generic", file, path)
}

// maxChunkReader serves at most max bytes per Read call, forcing arbitrary
// chunk boundaries through the parser.
type maxChunkReader struct {
	r   io.Reader
	max int
}

func (m *maxChunkReader) Read(p []byte) (int, error) {
	if len(p) > m.max {
		p = p[:m.max]
	}
	return m.r.Read(p)
}

// scanString runs one document through a fresh parser and returns the
// result, the scan error, and the scanner's captures.
func scanString(t *testing.T, input string, opts ...func(*rtf.Config)) (rtf.Result, *fakeScanner, error) {
	t.Helper()
	fs := &fakeScanner{}
	cfg := rtf.Config{
		TempRoot: t.TempDir(),
		Logger:   noopLogger(),
		Scanner:  fs,
	}
	for _, o := range opts {
		o(&cfg)
	}
	p := rtf.NewParser(cfg)
	res, err := p.Scan(context.Background(), strings.NewReader(input))
	return res, fs, err
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

// TestScan_PlainDocumentIsClean drives one push and one pop with no
// extractor involvement.
func TestScan_PlainDocumentIsClean(t *testing.T) {
	res, fs, err := scanString(t, `{\rtf1 hello}`)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected {
		t.Errorf("result = %+v, want clean", res)
	}
	if len(fs.calls) != 0 {
		t.Errorf("scanner invoked %d times, want 0", len(fs.calls))
	}
}

// TestScan_OLE2Object extracts a compound-file-flavoured object and routes
// it to the generic scanner verbatim.
func TestScan_OLE2Object(t *testing.T) {
	input := `{\rtf1 {\object\objdata ` + h(objMagic, descTest, objZeros, sizeTwo, payloadOLE) + `}}`
	res, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected {
		t.Errorf("result = %+v, want clean", res)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("scanner invoked %d times, want 1", len(fs.calls))
	}
	call := fs.calls[0]
	if call.kind != "generic" {
		t.Errorf("scanner kind = %q, want generic (OLE2 flavour)", call.kind)
	}
	if !bytes.Equal(call.data, []byte{0xD0, 0xCF}) {
		t.Errorf("object bytes = %x, want d0cf", call.data)
	}
	if call.path == "" {
		t.Error("generic scan received empty path hint")
	}
}

// TestScan_OLE10NativeObject verifies the non-OLE2 fork: the temp file
// starts with the little-endian payload length followed by the payload.
func TestScan_OLE10NativeObject(t *testing.T) {
	input := `{\rtf1 {\object\objdata ` + h(objMagic, descTest, objZeros, sizeTwo, payloadRaw) + `}}`
	res, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected {
		t.Errorf("result = %+v, want clean", res)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("scanner invoked %d times, want 1", len(fs.calls))
	}
	call := fs.calls[0]
	if call.kind != "ole10native" {
		t.Errorf("scanner kind = %q, want ole10native", call.kind)
	}
	want := []byte{0x02, 0x00, 0x00, 0x00, 0x41, 0x42}
	if !bytes.Equal(call.data, want) {
		t.Errorf("object bytes = %x, want %x", call.data, want)
	}
}

// TestScan_ObjdataWithoutObjectIsIgnored verifies scope gating: \objdata
// outside any \object ancestor never installs the extractor.
func TestScan_ObjdataWithoutObjectIsIgnored(t *testing.T) {
	input := `{\objdata ` + h(objMagic, descTest, objZeros, sizeTwo, payloadOLE) + `}`
	res, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected || len(fs.calls) != 0 {
		t.Errorf("result = %+v with %d scans, want clean and none", res, len(fs.calls))
	}
}

// TestScan_NonHexPayloadIsHarmless binds the extractor but decodes nothing,
// so no temp file is ever created.
func TestScan_NonHexPayloadIsHarmless(t *testing.T) {
	res, fs, err := scanString(t, `{\object\objdata ZZZZ}`)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected || len(fs.calls) != 0 {
		t.Errorf("result = %+v with %d scans, want clean and none", res, len(fs.calls))
	}
}

// TestScan_NestedObjdataGroupBinds verifies that \objdata in a child group
// of the \object group still binds via the inherited action bits. \object is
// brace-delimited, since its table key carries no trailing whitespace.
func TestScan_NestedObjdataGroupBinds(t *testing.T) {
	input := `{\rtf1 {\object{\objdata ` + h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE) + `}}}`
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("scanner invoked %d times, want 1", len(fs.calls))
	}
}

// TestScan_ObjdataNonSpaceDelimiterDoesNotBind pins the action-table key
// quirk: \objdata terminated by a brace carries no trailing whitespace and
// is not recognised.
func TestScan_ObjdataNonSpaceDelimiterDoesNotBind(t *testing.T) {
	input := `{\object\objdata{` + h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE) + `}}`
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 0 {
		t.Errorf("scanner invoked %d times, want 0", len(fs.calls))
	}
}

// TestScan_ChunkBoundarySweep feeds the same document through every
// possible read-chunk size, covering the mid-byte nibble carry of the hex
// decoder and every other split-sensitive transition.
func TestScan_ChunkBoundarySweep(t *testing.T) {
	input := `{\rtf1 {\object\objdata ` + h(objMagic, descTest, objZeros, sizeTwo, payloadRaw) + `}}`
	want := []byte{0x02, 0x00, 0x00, 0x00, 0x41, 0x42}

	for size := 1; size <= len(input); size++ {
		fs := &fakeScanner{}
		p := rtf.NewParser(rtf.Config{
			TempRoot: t.TempDir(),
			Logger:   noopLogger(),
			Scanner:  fs,
		})
		r := &maxChunkReader{r: strings.NewReader(input), max: size}
		if _, err := p.Scan(context.Background(), r); err != nil {
			t.Fatalf("chunk size %d: Scan: %v", size, err)
		}
		if len(fs.calls) != 1 {
			t.Fatalf("chunk size %d: %d scans, want 1", size, len(fs.calls))
		}
		if !bytes.Equal(fs.calls[0].data, want) {
			t.Fatalf("chunk size %d: object bytes = %x, want %x", size, fs.calls[0].data, want)
		}
	}
}

// TestScan_HexInterleavedWithJunk verifies the decode round trip: non-hex
// bytes inside the payload run are filtered without disturbing the decoded
// output.
func TestScan_HexInterleavedWithJunk(t *testing.T) {
	spaced := "01 05\n00 00\t02 00 00 00" + // magic
		" 0000 0000" + // no description
		" 00000000 00000000" + // reserved
		" 0200 0000" + // size
		" d0zcf" // payload with junk in the middle
	input := `{\object\objdata ` + spaced + `}`
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("%d scans, want 1", len(fs.calls))
	}
	if !bytes.Equal(fs.calls[0].data, []byte{0xD0, 0xCF}) {
		t.Errorf("object bytes = %x, want d0cf", fs.calls[0].data)
	}
}

// TestScan_TwoObjectsRestart verifies that a second object in the same
// group restarts extraction with correct flavour classification for each.
func TestScan_TwoObjectsRestart(t *testing.T) {
	obj1 := h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE)
	obj2 := h(objMagic, objNoDesc, objZeros, sizeTwo, payloadRaw)
	input := `{\object\objdata ` + obj1 + obj2 + `}`

	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 2 {
		t.Fatalf("%d scans, want 2", len(fs.calls))
	}
	if fs.calls[0].kind != "generic" {
		t.Errorf("first object kind = %q, want generic", fs.calls[0].kind)
	}
	if fs.calls[1].kind != "ole10native" {
		t.Errorf("second object kind = %q, want ole10native", fs.calls[1].kind)
	}
}

// TestScan_LongDescriptionIsSkipped verifies that a description longer than
// the retained maximum advances the stream past the full declared length.
func TestScan_LongDescriptionIsSkipped(t *testing.T) {
	desc := strings.Repeat("41", 100) // 100 bytes, retained max is 64
	input := `{\object\objdata ` + h(objMagic, "64000000", desc, objZeros, sizeTwo, payloadOLE) + `}`
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("%d scans, want 1", len(fs.calls))
	}
	if !bytes.Equal(fs.calls[0].data, []byte{0xD0, 0xCF}) {
		t.Errorf("object bytes = %x, want d0cf", fs.calls[0].data)
	}
}

// TestScan_PartialObjectRecoveredOnGroupClose verifies that a truncated
// payload is still handed to the scanner when the group closes.
func TestScan_PartialObjectRecoveredOnGroupClose(t *testing.T) {
	// Declares 4 payload bytes but supplies only 2.
	input := `{\object\objdata ` + h(objMagic, objNoDesc, objZeros, "04000000", payloadRaw) + `}`
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("%d scans, want 1", len(fs.calls))
	}
	want := []byte{0x04, 0x00, 0x00, 0x00, 0x41, 0x42}
	if !bytes.Equal(fs.calls[0].data, want) {
		t.Errorf("recovered bytes = %x, want %x", fs.calls[0].data, want)
	}
}

// TestScan_UnterminatedDocumentDrains verifies end-of-input recovery with
// the groups still open: the stack drains and the object is scanned once.
func TestScan_UnterminatedDocumentDrains(t *testing.T) {
	input := `{\rtf1 {\object\objdata ` + h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE)
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Fatalf("%d scans, want 1", len(fs.calls))
	}
}

// TestScan_InfectedVerdictPropagates verifies a non-clean downstream
// verdict aborts the walk and is returned verbatim.
func TestScan_InfectedVerdictPropagates(t *testing.T) {
	input := `{\object\objdata ` + h(objMagic, objNoDesc, objZeros, sizeTwo, payloadRaw) + `}trailing{\rtf}`
	fs := &fakeScanner{infectOn: []byte{0x41, 0x42}, signature: "Test.Sig"}
	p := rtf.NewParser(rtf.Config{TempRoot: t.TempDir(), Logger: noopLogger(), Scanner: fs})
	res, err := p.Scan(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !res.Infected || res.Signature != "Test.Sig" {
		t.Errorf("result = %+v, want infected Test.Sig", res)
	}
}

// TestScan_ParameterOverflowRecovers drives a parameter with far more
// digits than int64 can hold; the parser must return to scanning without
// disturbing group balance.
func TestScan_ParameterOverflowRecovers(t *testing.T) {
	input := `{\rtf` + strings.Repeat("9", 40) + ` {\object\objdata ` +
		h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE) + `}}`
	res, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected {
		t.Errorf("result = %+v, want clean", res)
	}
	if len(fs.calls) != 1 {
		t.Errorf("%d scans, want 1 (overflow must not derail the walk)", len(fs.calls))
	}
}

// TestScan_OverlongControlWordRecovers verifies the 32-letter bound: the
// word is abandoned and the following brace still balances the stack.
func TestScan_OverlongControlWordRecovers(t *testing.T) {
	input := `{\` + strings.Repeat("a", 80) + `}{\object\objdata ` +
		h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE) + `}`
	_, fs, err := scanString(t, input)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Errorf("%d scans, want 1", len(fs.calls))
	}
}

// TestScan_UnbalancedClosesAreTolerated feeds stray closing braces before
// and after real groups.
func TestScan_UnbalancedClosesAreTolerated(t *testing.T) {
	res, fs, err := scanString(t, `}}}{\rtf1 ok}}}`)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected || len(fs.calls) != 0 {
		t.Errorf("result = %+v with %d scans, want clean and none", res, len(fs.calls))
	}
}

// TestScan_ArbitraryBytesAreClean verifies tolerance of entirely non-RTF
// input, including NUL and high-bit bytes.
func TestScan_ArbitraryBytesAreClean(t *testing.T) {
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte(i * 37)
	}
	fs := &fakeScanner{}
	p := rtf.NewParser(rtf.Config{TempRoot: t.TempDir(), Logger: noopLogger(), Scanner: fs})
	res, err := p.Scan(context.Background(), bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Infected || len(fs.calls) != 0 {
		t.Errorf("result = %+v with %d scans, want clean and none", res, len(fs.calls))
	}
}

// TestScan_MaxObjectsDiscardsRemainder verifies the per-document object cap
// switches the extractor into its discard state.
func TestScan_MaxObjectsDiscardsRemainder(t *testing.T) {
	obj := h(objMagic, objNoDesc, objZeros, sizeTwo, payloadOLE)
	input := `{\object\objdata ` + obj + obj + obj + `}`
	_, fs, err := scanString(t, input, func(c *rtf.Config) { c.MaxObjects = 1 })
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(fs.calls) != 1 {
		t.Errorf("%d scans, want 1 (cap = 1)", len(fs.calls))
	}
}

// ---------------------------------------------------------------------------
// Resource handling
// ---------------------------------------------------------------------------

// TestScan_TempArtifactsRemoved verifies the no-leak property: after Scan
// returns, the temp root holds nothing.
func TestScan_TempArtifactsRemoved(t *testing.T) {
	root := t.TempDir()
	input := `{\object\objdata ` + h(objMagic, descTest, objZeros, sizeTwo, payloadOLE) + `}`
	fs := &fakeScanner{}
	p := rtf.NewParser(rtf.Config{TempRoot: root, Logger: noopLogger(), Scanner: fs})
	if _, err := p.Scan(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp root not empty after scan: %v", entries)
	}
}

// TestScan_KeepTempFilesRetainsObjects verifies the keep flag leaves the
// decoded object and its directory on disk.
func TestScan_KeepTempFilesRetainsObjects(t *testing.T) {
	root := t.TempDir()
	input := `{\object\objdata ` + h(objMagic, descTest, objZeros, sizeTwo, payloadOLE) + `}`
	fs := &fakeScanner{}
	p := rtf.NewParser(rtf.Config{
		TempRoot:      root,
		KeepTempFiles: true,
		Logger:        noopLogger(),
		Scanner:       fs,
	})
	if _, err := p.Scan(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(root, "docshield-*", "obj-*"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("found %d retained objects, want 1", len(matches))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, []byte{0xD0, 0xCF}) {
		t.Errorf("retained object bytes = %x, want d0cf", data)
	}
}

// TestScan_ContextCancellationAborts verifies a cancelled context stops the
// walk with the context error and still cleans up.
func TestScan_ContextCancellationAborts(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := rtf.NewParser(rtf.Config{TempRoot: root, Logger: noopLogger(), Scanner: &fakeScanner{}})
	_, err := p.Scan(ctx, strings.NewReader(`{\rtf1 hello}`))
	if err == nil {
		t.Fatal("Scan returned nil error with cancelled context")
	}
	entries, rdErr := os.ReadDir(root)
	if rdErr != nil {
		t.Fatalf("ReadDir: %v", rdErr)
	}
	if len(entries) != 0 {
		t.Errorf("temp root not empty after cancelled scan: %v", entries)
	}
}

// TestScan_MissingTempRootFails verifies the temp-directory sentinel.
func TestScan_MissingTempRootFails(t *testing.T) {
	p := rtf.NewParser(rtf.Config{
		TempRoot: filepath.Join(t.TempDir(), "does", "not", "exist"),
		Logger:   noopLogger(),
	})
	_, err := p.Scan(context.Background(), strings.NewReader(`{}`))
	if err == nil {
		t.Fatal("Scan returned nil error for unusable temp root")
	}
	if !errors.Is(err, rtf.ErrTempDir) {
		t.Errorf("error = %v, want ErrTempDir", err)
	}
}
