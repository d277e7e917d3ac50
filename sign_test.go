package clsproducer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"testing"
	"time"
)

func TestSignAt(t *testing.T) {
	header := http.Header{}
	header.Set("Host", "ap-guangzhou.cls.tencentcs.com")
	header.Set("Content-Type", "application/x-protobuf")
	header.Set("User-Agent", "ua")
	params := map[string]string{"topic_id": "a b"}

	got := signAt(time.Unix(1000, 0), "sid", "skey", "POST", "/structuredlog", params, header, 300)

	info := "post\n/structuredlog\ntopic_id=a%20b\ncontent-type=application%2Fx-protobuf&host=ap-guangzhou.cls.tencentcs.com\n"
	signTime := "940;1300"
	keyMac := hmac.New(sha1.New, []byte("skey"))
	keyMac.Write([]byte(signTime))
	signKey := hex.EncodeToString(keyMac.Sum(nil))
	infoDigest := sha1.Sum([]byte(info))
	sigMac := hmac.New(sha1.New, []byte(signKey))
	sigMac.Write([]byte("sha1\n" + signTime + "\n" + hex.EncodeToString(infoDigest[:]) + "\n"))
	signature := hex.EncodeToString(sigMac.Sum(nil))

	want := "q-sign-algorithm=sha1&q-ak=sid&q-sign-time=940;1300&q-key-time=940;1300" +
		"&q-header-list=content-type;host&q-url-param-list=topic_id&q-signature=" + signature
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}

	if other := signAt(time.Unix(1000, 0), "sid", "other", "POST", "/structuredlog", params, header, 300); other == got {
		t.Fatal("signature must depend on the secret")
	}
}

func TestSignEscape(t *testing.T) {
	cases := map[string]string{
		"abcXYZ019-_.~": "abcXYZ019-_.~",
		"a b":           "a%20b",
		"a+b":           "a%2Bb",
		"/x=y&z":        "%2Fx%3Dy%26z",
	}
	for in, want := range cases {
		if got := signEscape(in); got != want {
			t.Fatalf("signEscape(%q) = %q, want %q", in, got, want)
		}
	}
}
