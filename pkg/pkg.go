// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2021 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package pkg reads DFU distribution packages: a zip archive with a
// manifest.json naming an init packet (.dat) and a firmware image (.bin)
// for each image type.
package pkg

import (
	"archive/zip"
	"encoding/json"
	"io"
	"io/ioutil"
	"path"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mvo5/ble-dfu/dfu"
)

const manifestName = "manifest.json"

// Image types in the order the bootloader expects them.
var imageOrder = []string{
	"softdevice_bootloader",
	"softdevice",
	"bootloader",
	"application",
}

var ErrNoImages = errors.New("package contains no images")

type manifestEntry struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
}

type manifest struct {
	Manifest map[string]*manifestEntry `json:"manifest"`
}

// Open reads the package at filename.
func Open(filename string) ([]dfu.Image, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open package")
	}
	defer zr.Close()
	return images(&zr.Reader)
}

// Read reads a package from r.
func Read(r io.ReaderAt, size int64) ([]dfu.Image, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read package")
	}
	return images(zr)
}

func images(zr *zip.Reader) ([]dfu.Image, error) {
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[path.Clean(f.Name)] = f
	}

	mf, ok := files[manifestName]
	if !ok {
		log.Debugf("no %s in package, looking for a single image", manifestName)
		return singleImage(zr)
	}
	var m manifest
	if err := readJSON(mf, &m); err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", manifestName)
	}

	var out []dfu.Image
	for _, name := range imageOrder {
		entry := m.Manifest[name]
		if entry == nil {
			continue
		}
		img, err := loadImage(files, name, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	for name := range m.Manifest {
		if !knownImage(name) {
			log.Warnf("ignoring unknown image type %q", name)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoImages
	}
	return out, nil
}

func knownImage(name string) bool {
	for _, n := range imageOrder {
		if n == name {
			return true
		}
	}
	return false
}

func loadImage(files map[string]*zip.File, name string, entry *manifestEntry) (dfu.Image, error) {
	if entry.DatFile == "" || entry.BinFile == "" {
		return dfu.Image{}, errors.Errorf("%s: manifest entry needs both dat_file and bin_file", name)
	}
	dat, err := readFile(files, entry.DatFile)
	if err != nil {
		return dfu.Image{}, errors.Wrapf(err, "%s init packet", name)
	}
	bin, err := readFile(files, entry.BinFile)
	if err != nil {
		return dfu.Image{}, errors.Wrapf(err, "%s firmware", name)
	}
	return dfu.Image{Name: name, InitPacket: dat, Firmware: bin}, nil
}

// singleImage handles packages without a manifest that carry exactly one
// .dat and one .bin file.
func singleImage(zr *zip.Reader) ([]dfu.Image, error) {
	var dat, bin *zip.File
	for _, f := range zr.File {
		switch {
		case strings.HasSuffix(f.Name, ".dat"):
			if dat != nil {
				return nil, errors.Errorf("more than one init packet without %s", manifestName)
			}
			dat = f
		case strings.HasSuffix(f.Name, ".bin"):
			if bin != nil {
				return nil, errors.Errorf("more than one firmware image without %s", manifestName)
			}
			bin = f
		}
	}
	if dat == nil || bin == nil {
		return nil, ErrNoImages
	}
	img := dfu.Image{Name: "application"}
	var err error
	if img.InitPacket, err = readZipFile(dat); err != nil {
		return nil, err
	}
	if img.Firmware, err = readZipFile(bin); err != nil {
		return nil, err
	}
	return []dfu.Image{img}, nil
}

func readFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[path.Clean(name)]
	if !ok {
		return nil, errors.Errorf("%s not found in package", name)
	}
	return readZipFile(f)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", f.Name)
	}
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", f.Name)
	}
	return data, nil
}

func readJSON(f *zip.File, v interface{}) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}
