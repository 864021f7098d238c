package streaming

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowReader 每次 Read 只吐出固定大小的片段，模拟分块到达的网络流。
type slowReader struct {
	data []byte
	step int
	pos  int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.step
	if n > len(p) {
		n = len(p)
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func (r *slowReader) Close() error { return nil }

func decode(t *testing.T, input string, cfg DecoderConfig) ([]string, error) {
	t.Helper()
	dec := NewLineDecoder(io.NopCloser(strings.NewReader(input)), cfg)
	defer dec.Close()

	var records []string
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, string(rec))
	}
}

func TestNextYieldsOneRecordPerLine(t *testing.T) {
	records, err := decode(t, `{"a":1}`+"\n"+`{"b":2}`+"\n", DecoderConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, records)
}

func TestNextSkipsBlankLines(t *testing.T) {
	records, err := decode(t, "\n\n"+`{"a":1}`+"\n\n"+`{"b":2}`+"\n", DecoderConfig{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestNextDiscardsDanglingFragment(t *testing.T) {
	// 末尾没有行终止符的残片被静默丢弃，不算协议错误。
	records, err := decode(t, `{"a":1}`+"\n"+`{"b":2}`+"\n"+`{"trunc`, DecoderConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, records)
}

func TestNextHandlesCRLFAndChunkedDelivery(t *testing.T) {
	data := "{\"a\":1}\r\n{\"b\":2}\r\n"
	dec := NewLineDecoder(&slowReader{data: []byte(data), step: 3}, DecoderConfig{})
	defer dec.Close()

	var records []json.RawMessage
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"a":1}`, string(records[0]))
	assert.JSONEq(t, `{"b":2}`, string(records[1]))
}

func TestNextBufferExceeded(t *testing.T) {
	long := strings.Repeat("x", 256)
	dec := NewLineDecoder(io.NopCloser(strings.NewReader(long)), DecoderConfig{MaxBufferSize: 64})
	defer dec.Close()

	_, err := dec.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBufferExceeded)

	// 终态粘滞：后续调用返回同一个错误。
	_, again := dec.Next()
	assert.ErrorIs(t, again, ErrBufferExceeded)
}

func TestNextBufferLimitIgnoredOnceTerminatorSeen(t *testing.T) {
	// 上限针对的是迟迟不给行终止符的行；已含终止符的缓冲不受限。
	line := `{"k":"` + strings.Repeat("v", 40) + `"}` + "\n"
	records, err := decode(t, line+line, DecoderConfig{MaxBufferSize: 32})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestNextToleratesMalformedLinesWithinBudget(t *testing.T) {
	// 连续 5 行脏数据在预算之内；中间插入的好行会清零计数。
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString("not json\n")
	}
	b.WriteString(`{"ok":1}` + "\n")
	for i := 0; i < 5; i++ {
		b.WriteString("still not json\n")
	}
	b.WriteString(`{"ok":2}` + "\n")

	records, err := decode(t, b.String(), DecoderConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"ok":1}`, `{"ok":2}`}, records)
}

func TestNextFailsAfterTooManyConsecutiveMalformedLines(t *testing.T) {
	input := strings.Repeat("garbage\n", 6) + `{"never":"reached"}` + "\n"
	records, err := decode(t, input, DecoderConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyParseErrors)
	assert.Empty(t, records)
}

func TestNextRejectsNonObjectJSON(t *testing.T) {
	// 数组和标量虽是合法 JSON，但不是合法的流记录。
	input := "[1,2,3]\n\"text\"\n42\ntrue\nfalse\n[]\n"
	records, err := decode(t, input, DecoderConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyParseErrors)
	assert.Empty(t, records)
}

func TestCloseIsIdempotent(t *testing.T) {
	dec := NewLineDecoder(io.NopCloser(strings.NewReader("")), DecoderConfig{})
	assert.NoError(t, dec.Close())
	assert.NoError(t, dec.Close())
}

func TestRecordsSurviveSubsequentReads(t *testing.T) {
	// 返回的记录是拷贝，后续 fill 不会覆盖已交付的数据。
	data := `{"first":"` + strings.Repeat("a", 100) + `"}` + "\n" +
		`{"second":"` + strings.Repeat("b", 100) + `"}` + "\n"
	dec := NewLineDecoder(&slowReader{data: []byte(data), step: 7}, DecoderConfig{})
	defer dec.Close()

	first, err := dec.Next()
	require.NoError(t, err)
	snapshot := string(first)

	_, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, snapshot, string(first))
}
