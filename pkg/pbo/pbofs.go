package pbo

import (
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/beam-cloud/pbo/pkg/archive"
	"github.com/beam-cloud/pbo/pkg/metrics"
	"github.com/beam-cloud/ristretto"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 512 * 1024 * 1024

type nodeType int

const (
	dirNode nodeType = iota
	fileNode
)

// treeNode is one path of the mounted tree. Files point at the directory
// entry that backs them.
type treeNode struct {
	Path     string
	NodeType nodeType
	Entry    int
	Attr     fuse.Attr
}

type PBOFileSystemOpts struct {
	// CacheSize bounds the bytes of member content kept in memory.
	CacheSize int64

	// MaxCachedMemberSize is the largest member read whole into the cache.
	// Larger members are served straight from the archive, one read range at
	// a time. Defaults to an eighth of CacheSize.
	MaxCachedMemberSize int64
}

type PBOFileSystem struct {
	root  *FSNode
	index *btree.BTree

	// archiveMu serializes access to the archive handle, which moves its
	// cursor on every read.
	archiveMu sync.Mutex
	archive   *archive.Archive

	contentCache  *ristretto.Cache[string, []byte]
	maxCachedSize int64
	fetchGroup    singleflight.Group

	lookupCache map[string]*lookupCacheEntry
	dirCache    map[string][]fuse.DirEntry
	cacheMutex  sync.RWMutex
}

type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

func NewFileSystem(a *archive.Archive, opts PBOFileSystemOpts) (*PBOFileSystem, error) {
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	maxCachedSize := opts.MaxCachedMemberSize
	if maxCachedSize <= 0 {
		maxCachedSize = cacheSize / 8
	}

	contentCache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	pfs := &PBOFileSystem{
		archive:       a,
		index:         buildTree(a),
		contentCache:  contentCache,
		maxCachedSize: maxCachedSize,
		lookupCache:   make(map[string]*lookupCacheEntry),
		dirCache:      make(map[string][]fuse.DirEntry),
	}

	rootNode := pfs.Get("/")
	pfs.root = &FSNode{
		filesystem: pfs,
		attr:       rootNode.Attr,
		node:       rootNode,
	}

	return pfs, nil
}

func (pfs *PBOFileSystem) Root() (fs.InodeEmbedder, error) {
	if pfs.root == nil {
		return nil, fmt.Errorf("root not initialized")
	}
	return pfs.root, nil
}

// Close releases the cache and the archive handle.
func (pfs *PBOFileSystem) Close() error {
	pfs.contentCache.Close()

	pfs.archiveMu.Lock()
	defer pfs.archiveMu.Unlock()
	return pfs.archive.Close()
}

// buildTree lays the directory out as a filesystem. Member names are split
// on backslashes; a name that collides with an earlier file or directory is
// left out of the tree.
func buildTree(a *archive.Archive) *btree.BTree {
	compare := func(x, y interface{}) bool {
		return x.(*treeNode).Path < y.(*treeNode).Path
	}
	index := btree.New(compare)

	var inode uint64 = 1
	index.Set(&treeNode{
		Path:     "/",
		NodeType: dirNode,
		Attr: fuse.Attr{
			Ino:   inode,
			Mode:  fuse.S_IFDIR | 0555,
			Nlink: 2,
		},
	})

	for i, entry := range a.Entries() {
		p := path.Clean("/" + entry.Path())
		if p == "/" {
			continue
		}

		if existing := index.Get(&treeNode{Path: p}); existing != nil {
			log.Warn().Str("member", entry.Filename).Msg("member shadowed by an earlier entry")
			continue
		}

		if !addParents(index, p, &inode) {
			log.Warn().Str("member", entry.Filename).Msg("member path passes through a file")
			continue
		}

		inode++
		mtime := uint64(entry.Timestamp)
		index.Set(&treeNode{
			Path:     p,
			NodeType: fileNode,
			Entry:    i,
			Attr: fuse.Attr{
				Ino:    inode,
				Size:   uint64(entry.DataSize),
				Blocks: (uint64(entry.DataSize) + 511) / 512,
				Mode:   fuse.S_IFREG | 0444,
				Nlink:  1,
				Atime:  mtime,
				Mtime:  mtime,
				Ctime:  mtime,
			},
		})
	}

	return index
}

// addParents creates every missing directory above p. It returns false if
// one of them already exists as a file.
func addParents(index *btree.BTree, p string, inode *uint64) bool {
	var missing []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		existing := index.Get(&treeNode{Path: dir})
		if existing == nil {
			missing = append(missing, dir)
			continue
		}
		if existing.(*treeNode).NodeType != dirNode {
			return false
		}
		break
	}

	for _, dir := range missing {
		*inode++
		index.Set(&treeNode{
			Path:     dir,
			NodeType: dirNode,
			Attr: fuse.Attr{
				Ino:   *inode,
				Mode:  fuse.S_IFDIR | 0555,
				Nlink: 2,
			},
		})
	}
	return true
}

// Get returns the node at an absolute slash separated path, or nil.
func (pfs *PBOFileSystem) Get(p string) *treeNode {
	item := pfs.index.Get(&treeNode{Path: p})
	if item == nil {
		return nil
	}
	return item.(*treeNode)
}

// ListDirectory returns the immediate children of the directory at p.
func (pfs *PBOFileSystem) ListDirectory(p string) []fuse.DirEntry {
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}

	pfs.cacheMutex.RLock()
	entries, found := pfs.dirCache[p]
	pfs.cacheMutex.RUnlock()
	if found {
		return entries
	}

	// \x00 sorts below every other byte, so the pivot lands on the first
	// child of p.
	pivot := &treeNode{Path: p + "\x00"}
	pathLen := len(p)

	pfs.index.Ascend(pivot, func(a interface{}) bool {
		node := a.(*treeNode)

		// Children of p are contiguous in the index.
		if !strings.HasPrefix(node.Path, p) {
			return false
		}

		relativePath := node.Path[pathLen:]
		if relativePath == "" || strings.Contains(relativePath, "/") {
			return true
		}

		entries = append(entries, fuse.DirEntry{
			Mode: node.Attr.Mode,
			Name: relativePath,
			Ino:  node.Attr.Ino,
		})
		return true
	})

	pfs.cacheMutex.Lock()
	pfs.dirCache[p] = entries
	pfs.cacheMutex.Unlock()

	return entries
}

// ReadFile copies the bytes of a file node starting at off into dest and
// returns how many were copied. Small members are extracted whole once and
// served from the cache; larger ones are read straight from the archive.
func (pfs *PBOFileSystem) ReadFile(node *treeNode, dest []byte, off int64) (int, error) {
	size := int64(node.Attr.Size)
	if off >= size || len(dest) == 0 {
		return 0, nil
	}

	if size > pfs.maxCachedSize {
		pfs.archiveMu.Lock()
		n, err := pfs.archive.ReadAt(node.Entry, dest, off)
		pfs.archiveMu.Unlock()
		if err != nil && err != io.EOF {
			log.Error().Err(err).Str("path", node.Path).Int64("offset", off).Msg("unable to read member")
			return 0, syscall.EIO
		}
		metrics.RecordRead(int64(n), false)
		return n, nil
	}

	content, hit, err := pfs.readContent(node)
	if err != nil {
		return 0, err
	}

	n := copy(dest, content[off:])
	metrics.RecordRead(int64(n), hit)
	return n, nil
}

// readContent returns the full stored bytes of a file node and whether they
// came from the cache. Concurrent readers of the same member share a single
// extraction.
func (pfs *PBOFileSystem) readContent(node *treeNode) ([]byte, bool, error) {
	key := strconv.Itoa(node.Entry)

	if content, ok := pfs.contentCache.Get(key); ok {
		return content, true, nil
	}

	result, err, _ := pfs.fetchGroup.Do(key, func() (interface{}, error) {
		if content, ok := pfs.contentCache.Get(key); ok {
			return content, nil
		}

		pfs.archiveMu.Lock()
		content, err := pfs.archive.ExtractAt(node.Entry)
		pfs.archiveMu.Unlock()
		metrics.RecordExtract(node.Path, int64(len(content)), err)
		if err != nil {
			return nil, err
		}

		// Sets are applied asynchronously; wait so the next read sees it.
		if pfs.contentCache.Set(key, content, int64(len(content))) {
			pfs.contentCache.Wait()
		}
		return content, nil
	})
	if err != nil {
		log.Error().Err(err).Str("path", node.Path).Msg("unable to read member")
		return nil, false, syscall.EIO
	}

	return result.([]byte), false, nil
}
