package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateKorean(t *testing.T) {
	ctx := initLang(t, "ko")

	if got := T(ctx, "SubmitAnswer"); got != "채점 받기" {
		t.Errorf("T(SubmitAnswer) = %q, want '채점 받기'", got)
	}
	if got := T(ctx, "InvalidStudentID"); got != "학번 형식이 올바르지 않습니다. (예: 10130)" {
		t.Errorf("T(InvalidStudentID) = %q", got)
	}
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "SubmitAnswer"); got != "Grade my answer" {
		t.Errorf("T(SubmitAnswer) = %q, want 'Grade my answer'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "ko")

	got := Td(ctx, "ScoreLine", map[string]any{"Score": 2, "Max": 7})
	if got != "점수: 2 / 7" {
		t.Errorf("Td(ScoreLine) = %q, want '점수: 2 / 7'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "ko")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestCatalogsHaveSameKeys(t *testing.T) {
	initLang(t, "ko")
	langs := Languages()
	if !slices.Contains(langs, "ko") || !slices.Contains(langs, "en") {
		t.Fatalf("expected ko and en catalogs, got %v", langs)
	}

	ko := WithLocalizer(context.Background(), NewLocalizer("ko"))
	en := WithLocalizer(context.Background(), NewLocalizer("en"))
	for _, id := range []string{"Caption", "OpinionCaption", "SchemaInitFailed", "RequestFailed", "SignalHeatAbsorb"} {
		if T(ko, id) == id || T(en, id) == id {
			t.Errorf("message %q missing from a catalog", id)
		}
	}
}

func TestMiddlewareNegotiation(t *testing.T) {
	if err := Init("ko"); err != nil {
		t.Fatal(err)
	}

	var got string
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "SubmitOpinion")
	}))

	tests := []struct {
		name   string
		target string
		accept string
		want   string
	}{
		{"default", "/", "", "의견 제출"},
		{"accept-language", "/", "en-US,en;q=0.9", "Submit opinion"},
		{"query wins", "/?lang=ko", "en-US", "의견 제출"},
		{"unsupported falls back", "/", "fr-FR", "의견 제출"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
