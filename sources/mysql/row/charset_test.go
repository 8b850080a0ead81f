package row

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

func TestDecodeString(t *testing.T) {
	type _testCase struct {
		charset     string
		raw         []byte
		expected    string
		expectedErr string
	}

	testCases := []_testCase{
		{charset: "utf8mb4", raw: []byte("héllo"), expected: "héllo"},
		{charset: "utf8", raw: []byte{0x61, 0xff}, expected: "a�"},
		{charset: "", raw: []byte("plain"), expected: "plain"},
		{charset: "latin1", raw: []byte{0x80, 0x99}, expected: "€™"},
		{charset: "LATIN1", raw: []byte{0x63, 0x61, 0x66, 0xe9}, expected: "café"},
		{charset: "latin2", raw: []byte{0xb1}, expected: "ą"},
		{charset: "cp1251", raw: []byte{0xcf, 0xf0, 0xe8}, expected: "При"},
		{charset: "gbk", raw: []byte{0xc4, 0xe3}, expected: "你"},
		{charset: "gb18030", raw: []byte{0xc4, 0xe3}, expected: "你"},
		{charset: "big5", raw: []byte{0xa4, 0xa4}, expected: "中"},
		{charset: "sjis", raw: []byte{0x82, 0xa0}, expected: "あ"},
		{charset: "euckr", raw: []byte{0xb0, 0xa1}, expected: "가"},
		{charset: "ucs2", raw: []byte{0x00, 0x41, 0x4e, 0x2d}, expected: "A中"},
		{charset: "utf16le", raw: []byte{0x41, 0x00}, expected: "A"},
		{charset: "utf32", raw: []byte{0x00, 0x00, 0x00, 0x41}, expected: "A"},
		{charset: "armscii8", raw: []byte{0x41}, expectedErr: `unsupported charset "armscii8"`},
	}

	for _, testCase := range testCases {
		actual, err := decodeString(testCase.raw, testCase.charset)
		if testCase.expectedErr != "" {
			assert.ErrorContains(t, err, testCase.expectedErr, testCase.charset)
		} else {
			assert.NoError(t, err, testCase.charset)
			assert.Equal(t, testCase.expected, actual, testCase.charset)
		}
	}
}

func TestDecodeValue_Charsets(t *testing.T) {
	{
		// latin1 is cp1252
		actual, err := DecodeValue(&schema.Column{Type: "varchar", Charset: "latin1"}, []byte{0x80, 0x99})
		assert.NoError(t, err)
		assert.Equal(t, "€™", actual)
	}
	{
		actual, err := DecodeValue(&schema.Column{Type: "text", Charset: "gbk"}, []byte{0xc4, 0xe3})
		assert.NoError(t, err)
		assert.Equal(t, "你", actual)
	}
	{
		// Unknown charsets fail instead of producing replacement characters
		_, err := DecodeValue(&schema.Column{Type: "char", Charset: "armscii8"}, []byte{0x41})
		assert.ErrorContains(t, err, `unsupported charset "armscii8"`)
	}
}
