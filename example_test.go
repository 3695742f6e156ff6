package zipserve_test

import (
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/martin-sucha/zipserve"
)

// archiveFromDir builds a new ZIP archive at zipPath containing every
// regular file under root.
func archiveFromDir(zipPath, root string) error {
	ar, err := zipserve.Open(zipserve.NewFileSource(zipPath, true, zipserve.LengthToEnd), 0)
	if err != nil {
		return err
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || !info.Mode().IsRegular() {
			return nil
		}
		relpath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		_, err = ar.FileAdd(relpath, zipserve.NewFileSource(path, false, zipserve.LengthToEnd))
		return err
	})
	if err != nil {
		_ = ar.Discard()
		return err
	}

	return ar.Commit()
}

func Example() {
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	if err := archiveFromDir("site.zip", cwd); err != nil {
		log.Fatal(err)
	}

	ar, err := zipserve.Open(zipserve.NewFileSource("site.zip", false, zipserve.LengthToEnd), zipserve.OpenRDOnly)
	if err != nil {
		log.Fatal(err)
	}
	http.Handle("/", ar)
	log.Fatal(http.ListenAndServe(":8080", nil))
}
