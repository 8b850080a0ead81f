package destinations

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterSender(t *testing.T) {
	{
		var buf bytes.Buffer
		sender := &WriterSender{w: &buf}
		assert.NoError(t, sender.Send(context.Background(), Message{Value: []byte(`{"a":1}`)}))
		assert.NoError(t, sender.Send(context.Background(), Message{Value: []byte(`{"a":2}`)}))
		assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", buf.String())
		assert.NoError(t, sender.Close())
	}
	{
		// File sender appends
		fp := filepath.Join(t.TempDir(), "rows.json")
		assert.NoError(t, os.WriteFile(fp, []byte("{\"a\":0}\n"), 0o644))

		sender, err := NewFileSender(fp)
		assert.NoError(t, err)
		assert.NoError(t, sender.Send(context.Background(), Message{Value: []byte(`{"a":1}`)}))
		assert.NoError(t, sender.Close())

		contents, err := os.ReadFile(fp)
		assert.NoError(t, err)
		assert.Equal(t, "{\"a\":0}\n{\"a\":1}\n", string(contents))
	}
	{
		_, err := NewFileSender(filepath.Join(t.TempDir(), "missing", "rows.json"))
		assert.ErrorContains(t, err, "failed to open")
	}
}
