package iostack

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

const copyChunkSize = 64 * 1024

// CopyFile copies src to dst through the stacks selected by the flags,
// so a copy can re-encrypt or recompress in passing. dst is created or
// truncated. The context is checked between chunks.
func (s *FS) CopyFile(ctx context.Context, src, dst string, srcFlag, dstFlag OpenFlag, perm os.FileMode) error {
	sfd, err := s.Open(src, srcFlag|ReadOnly, 0)
	if err != nil {
		return err
	}
	defer s.Close(sfd)

	dfd, err := s.Open(dst, dstFlag|WriteOnly|Create|Truncate, perm)
	if err != nil {
		return err
	}

	sf, _ := s.Lookup(sfd)
	df, _ := s.Lookup(dfd)

	buf := make([]byte, copyChunkSize)
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			s.Close(dfd)
			return stackErr("copy", dst, off, err)
		}
		n, rerr := sf.Read(buf, off)
		if n > 0 {
			if _, werr := df.Write(buf[:n], off); werr != nil {
				s.Close(dfd)
				return werr
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.Close(dfd)
			return rerr
		}
	}
	return s.Close(dfd)
}

// CopyDir copies every regular file under srcDir to dstDir, fanning
// out up to workers concurrent copies. Subdirectories are recreated
// with their original modes. Sidecar index files are skipped since the
// compression layer rebuilds them.
func (s *FS) CopyDir(ctx context.Context, srcDir, dstDir string, srcFlag, dstFlag OpenFlag, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	if err := s.copyDir(ctx, g, srcDir, dstDir, srcFlag, dstFlag); err != nil {
		return err
	}
	return g.Wait()
}

func (s *FS) copyDir(ctx context.Context, g *errgroup.Group, srcDir, dstDir string, srcFlag, dstFlag OpenFlag) error {
	info, err := s.fs.Stat(srcDir)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(dstDir, info.Mode().Perm()); err != nil {
		return err
	}

	dir, err := s.fs.Open(srcDir)
	if err != nil {
		return err
	}
	entries, err := dir.Readdir(-1)
	dir.Close()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		// memfs links "." and ".." as ordinary directory entries
		if entry.Name() == "." || entry.Name() == ".." {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		if entry.IsDir() {
			if err := s.copyDir(ctx, g, src, dst, srcFlag, dstFlag); err != nil {
				return err
			}
			continue
		}
		if srcFlag.Stack() == StackCompress && filepath.Ext(entry.Name()) == IndexSuffix {
			continue
		}
		perm := entry.Mode().Perm()
		g.Go(func() error {
			return s.CopyFile(ctx, src, dst, srcFlag, dstFlag, perm)
		})
	}
	return nil
}
