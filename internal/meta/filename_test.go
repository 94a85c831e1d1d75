package meta

import "testing"

func TestDateFromFilename(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"IMG_20100615_120000.jpg", "2010-06-15T12:00:00"},
		{"PXL_20200101_101010123.jpg", "2020-01-01T10:10:10"},
		{"Screenshot_20190303-080910.png", "2019-03-03T08:09:10"},
		{"2010-06-15 12.30.45.jpg", "2010-06-15T12:30:45"},
		{"2010-06-15_12-30-45.jpg", "2010-06-15T12:30:45"},
		{"scan 2004-02-29.tif", "2004-02-29T00:00:00"},
		{"20100615.jpg", "2010-06-15T00:00:00"},
		{"2003-02-30.jpg", ""},
		{"IMG_1234.jpg", ""},
		{"DSC0001.jpg", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DateFromFilename("/staging/" + tt.name)
			if tt.want == "" {
				if ok {
					t.Errorf("expected no date, got %q", got)
				}
				return
			}
			if !ok || got != tt.want {
				t.Errorf("got %q (%v), want %q", got, ok, tt.want)
			}
		})
	}
}
