// Copyright 2024 The registry-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TarGz packs the tree rooted at srcDir into a tar.gz archive at
// dstPath and returns the archive size in bytes. Paths inside the
// archive are relative to srcDir.
func TarGz(srcDir, dstPath string) (int64, error) {
	out, err := os.Create(dstPath)
	if err != nil {
		return 0, errors.Wrap(ErrTransient, err.Error())
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(ErrTransient, err.Error())
	}
	if err := tw.Close(); err != nil {
		return 0, errors.Wrap(ErrTransient, err.Error())
	}
	if err := gz.Close(); err != nil {
		return 0, errors.Wrap(ErrTransient, err.Error())
	}

	info, err := out.Stat()
	if err != nil {
		return 0, errors.Wrap(ErrTransient, err.Error())
	}
	return info.Size(), nil
}

// extractTarGz unpacks a tar.gz stream into dir, stripping the single
// top-level directory code hosts put into branch tarballs. Entries
// escaping dir are rejected.
func extractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(ErrTransient, err.Error())
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(ErrTransient, err.Error())
		}

		name := stripTopDir(hdr.Name)
		if name == "" {
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(name))
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.Wrapf(ErrTransient, "archive entry %q escapes extraction dir", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return errors.Wrap(ErrTransient, err.Error())
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return errors.Wrap(ErrTransient, err.Error())
			}
			f, err := os.Create(dst)
			if err != nil {
				return errors.Wrap(ErrTransient, err.Error())
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errors.Wrap(ErrTransient, err.Error())
			}
			if err := f.Close(); err != nil {
				return errors.Wrap(ErrTransient, err.Error())
			}
		}
	}
}

func stripTopDir(name string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}
