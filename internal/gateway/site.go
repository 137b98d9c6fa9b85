package gateway

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swarmhost/swarmhost/internal/host"
	"github.com/swarmhost/swarmhost/internal/store"
)

// siteEntry represents a file or directory in a directory listing.
type siteEntry struct {
	Name         string
	IsDir        bool
	Size         int64
	LastModified time.Time
}

// siteData holds data for the directory listing template.
type siteData struct {
	Title      string
	Path       string
	ParentPath string
	Entries    []siteEntry
}

var dirListingTmpl = template.Must(template.New("dirlist").Funcs(template.FuncMap{
	"urlEncode": url.PathEscape,
	"formatSize": func(size int64) string {
		switch {
		case size >= 1<<30:
			return fmt.Sprintf("%.1f GiB", float64(size)/float64(1<<30))
		case size >= 1<<20:
			return fmt.Sprintf("%.1f MiB", float64(size)/float64(1<<20))
		case size >= 1<<10:
			return fmt.Sprintf("%.1f KiB", float64(size)/float64(1<<10))
		default:
			return fmt.Sprintf("%d B", size)
		}
	},
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("02-Jan-2006 15:04")
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { background: #0d1117; color: #e6edf3; font-family: 'SFMono-Regular', Consolas, 'Liberation Mono', Menlo, monospace; font-size: 14px; margin: 0; padding: 20px; }
h1 { color: #58a6ff; font-size: 18px; margin-bottom: 16px; }
a { color: #58a6ff; text-decoration: none; }
a:hover { text-decoration: underline; }
table { border-collapse: collapse; width: 100%; max-width: 1100px; }
th { text-align: left; color: #8b949e; border-bottom: 1px solid #30363d; padding: 8px 16px 8px 0; font-weight: normal; }
td { padding: 4px 16px 4px 0; border-bottom: 1px solid #21262d; }
td.size, th.size { text-align: right; }
.dir { color: #58a6ff; }
.file { color: #e6edf3; }
</style>
</head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th>Name</th><th class="size">Size</th><th>Last Modified</th></tr>
{{if .ParentPath}}<tr><td><a href="{{.ParentPath}}" class="dir">../</a></td><td class="size">-</td><td>-</td></tr>{{end}}
{{range .Entries}}<tr>
<td>{{if .IsDir}}<a href="{{urlEncode .Name}}/" class="dir">{{.Name}}/</a>{{else}}<a href="{{urlEncode .Name}}" class="file">{{.Name}}</a>{{end}}</td>
<td class="size">{{if .IsDir}}-{{else}}{{formatSize .Size}}{{end}}</td>
<td>{{formatTime .LastModified}}</td>
</tr>{{end}}
</table>
</body>
</html>
`))

// serveSite serves hosted archive content for a resolved virtual host.
func (s *Server) serveSite(w http.ResponseWriter, r *http.Request, res *host.Resolution) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec := res.Archive
	if rec == nil {
		// Per-user hosting serves the archive named "main", or the user's
		// first archive when none carries that name.
		ref := res.User.ArchiveNamed("main")
		if ref == nil && len(res.User.Archives) > 0 {
			ref = &res.User.Archives[0]
		}
		if ref == nil {
			http.Error(w, "no content", http.StatusNotFound)
			return
		}
		var err error
		rec, err = s.st.GetArchive(r.Context(), ref.Key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "no content", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Str("key", ref.Key).Msg("site record lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	handle, err := s.cache.GetOrLoad(r.Context(), rec.Key)
	if err != nil {
		log.Error().Err(err).Str("key", rec.Key).Msg("site mount failed")
		http.Error(w, "content unavailable", http.StatusBadGateway)
		return
	}

	s.serveArchivePath(w, r, handle.Dir())
}

// serveArchivePath serves one request path from the archive's directory
// tree: exact file, then index.html, then a directory listing. Clean
// prevents traversal outside the root.
func (s *Server) serveArchivePath(w http.ResponseWriter, r *http.Request, root string) {
	rel := path.Clean("/" + r.URL.Path)[1:]
	full := filepath.Join(root, filepath.FromSlash(rel))

	info, err := os.Stat(full)
	if err == nil && !info.IsDir() {
		w.Header().Set("Cache-Control", "public, max-age=300")
		http.ServeFile(w, r, full)
		return
	}

	if index := filepath.Join(full, "index.html"); fileExists(index) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		http.ServeFile(w, r, index)
		return
	}

	if err != nil || !info.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.serveDirListing(w, r, full)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func (s *Server) serveDirListing(w http.ResponseWriter, r *http.Request, dir string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var entries []siteEntry
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, siteEntry{
			Name:         d.Name(),
			IsDir:        d.IsDir(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	urlPath := r.URL.Path
	if urlPath == "" {
		urlPath = "/"
	}
	parent := ""
	if urlPath != "/" {
		parent = path.Dir(path.Clean(urlPath))
		if parent != "/" {
			parent += "/"
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dirListingTmpl.Execute(w, siteData{
		Title:      "Index of " + urlPath,
		Path:       urlPath,
		ParentPath: parent,
		Entries:    entries,
	}); err != nil {
		log.Error().Err(err).Msg("directory listing render failed")
	}
}
