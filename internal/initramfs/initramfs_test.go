package initramfs

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	typ  fs.FileMode
	perm fs.FileMode
	body string
}

func readArchive(t *testing.T, archive []byte) []entry {
	t.Helper()
	r := cpio.NewReader(bytes.NewReader(archive))
	var out []entry
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(r)
		require.NoError(t, err)
		if hdr.Mode&cpio.TypeSymlink == cpio.TypeSymlink && hdr.Linkname != "" {
			body = []byte(hdr.Linkname)
		}
		mode := hdr.FileInfo().Mode()
		out = append(out, entry{name: hdr.Name, typ: mode.Type(), perm: mode.Perm(), body: string(body)})
	}
	return out
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFile("/etc/hostname", []byte("guest\n"), 0o644))
	require.NoError(t, w.WriteDirectory("/etc"))
	require.NoError(t, w.WriteLink("/sbin/init", "/init"))
	require.NoError(t, w.WriteFile("init", []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, w.Close())

	assert.Equal(t, []entry{
		{name: "etc", typ: fs.ModeDir, perm: 0o755},
		{name: "etc/hostname", perm: 0o644, body: "guest\n"},
		{name: "sbin", typ: fs.ModeDir, perm: 0o755},
		{name: "sbin/init", typ: fs.ModeSymlink, perm: 0o777, body: "/init"},
		{name: "init", perm: 0o755, body: "#!/bin/sh\n"},
	}, readArchive(t, buf.Bytes()))
}

func TestBuild(t *testing.T) {
	fsys := fstest.MapFS{
		"bin/busybox": &fstest.MapFile{Data: []byte("ELF"), Mode: 0o700},
		"init.sh":     &fstest.MapFile{Data: []byte("exec sh"), Mode: 0o644},
	}
	archive, err := Build(fsys, []File{
		{Source: "init.sh", Path: "/init", Mode: 0o755},
		{Source: "bin/busybox", Path: "/bin/busybox"},
	})
	require.NoError(t, err)

	assert.Equal(t, []entry{
		{name: "init", perm: 0o755, body: "exec sh"},
		{name: "bin", typ: fs.ModeDir, perm: 0o755},
		{name: "bin/busybox", perm: 0o700, body: "ELF"},
	}, readArchive(t, archive))
}

func TestBuildErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"dir": &fstest.MapFile{Mode: fs.ModeDir},
	}
	_, err := Build(fsys, []File{{Source: "missing", Path: "/x"}})
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = Build(fsys, []File{{Source: "dir", Path: "/x"}})
	assert.ErrorContains(t, err, "not a regular file")

	var buf bytes.Buffer
	assert.Error(t, NewWriter(&buf).WriteFile("/", nil, 0o644))
}
