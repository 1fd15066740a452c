// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rest

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/nightdiff/internal/fits"
)

func request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	NewRouter().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	w := request(t, http.MethodGet, "/api/v1/ping", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "pong") {
		t.Errorf("got %d %s", w.Code, w.Body.String())
	}
}

func TestDiffRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing fields", `{}`},
		{"absolute path", `{"template": "/etc/passwd", "science": "s.fits"}`},
		{"parent dir", `{"template": "t.fits", "science": "s.fits", "outputs": {"out": "../d.fits"}}`},
		{"invalid policy", `{"template": "t.fits", "science": "s.fits", "policy": {"kernelCols": 4}}`},
	}
	for _, c := range cases {
		w := request(t, http.MethodPost, "/api/v1/diff", c.body)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "error") {
			t.Errorf("%s: got %d %s", c.name, w.Code, w.Body.String())
		}
	}
}

func TestStatsStreamsLog(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	img := fits.NewMaskedImage(32, 32)
	for i := range img.Data {
		img.Data[i] = float32(i%7) - 3
		img.Variance[i] = 4
	}
	img.Mask[5] = fits.MaskSat
	if err := img.WriteFile("diff.fits"); err != nil {
		t.Fatal(err)
	}

	w := request(t, http.MethodPost, "/api/v1/stats", `{"files": ["diff.fits", "missing.fits"]}`)
	body := w.Body.String()
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, body)
	}
	for _, want := range []string{"Arguments:", "0: NPix 1023", "SAT", "error:"} {
		if !strings.Contains(body, want) {
			t.Errorf("log lacks %q:\n%s", want, body)
		}
	}
}
