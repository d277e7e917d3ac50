package clsproducer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Sign builds the Authorization header value for one request.
func Sign(secretID, secretKey, method, path string, params map[string]string, headers http.Header, expireSec int64) string {
	return signAt(time.Now(), secretID, secretKey, method, path, params, headers, expireSec)
}

func signAt(now time.Time, secretID, secretKey, method, path string, params map[string]string, headers http.Header, expireSec int64) string {
	var info strings.Builder
	info.WriteString(strings.ToLower(method))
	info.WriteByte('\n')
	info.WriteString(path)
	info.WriteByte('\n')

	paramKeys := make([]string, 0, len(params))
	for k := range params {
		paramKeys = append(paramKeys, k)
	}
	sort.Strings(paramKeys)
	for i, k := range paramKeys {
		if i > 0 {
			info.WriteByte('&')
		}
		info.WriteString(k)
		info.WriteByte('=')
		info.WriteString(signEscape(params[k]))
	}
	info.WriteByte('\n')

	signedHeaders := make(map[string]string, len(headers))
	for k, vals := range headers {
		lower := strings.ToLower(k)
		if len(vals) == 0 || !isSignedHeader(lower) {
			continue
		}
		signedHeaders[lower] = vals[0]
	}
	headerKeys := make([]string, 0, len(signedHeaders))
	for k := range signedHeaders {
		headerKeys = append(headerKeys, k)
	}
	sort.Strings(headerKeys)
	for i, k := range headerKeys {
		if i > 0 {
			info.WriteByte('&')
		}
		info.WriteString(k)
		info.WriteByte('=')
		info.WriteString(signEscape(signedHeaders[k]))
	}
	if len(headerKeys) > 0 {
		info.WriteByte('\n')
	}

	signTime := fmt.Sprintf("%d;%d", now.Unix()-60, now.Unix()+expireSec)
	signKey := hmacSHA1Hex([]byte(secretKey), signTime)
	infoDigest := sha1.Sum([]byte(info.String()))
	strToSign := "sha1\n" + signTime + "\n" + hex.EncodeToString(infoDigest[:]) + "\n"
	signature := hmacSHA1Hex([]byte(signKey), strToSign)

	return fmt.Sprintf("q-sign-algorithm=sha1&q-ak=%s&q-sign-time=%s&q-key-time=%s&q-header-list=%s&q-url-param-list=%s&q-signature=%s",
		secretID, signTime, signTime, strings.Join(headerKeys, ";"), strings.Join(paramKeys, ";"), signature)
}

func isSignedHeader(lowerKey string) bool {
	switch lowerKey {
	case "content-type", "content-md5", "host":
		return true
	}
	return strings.HasPrefix(lowerKey, "x")
}

// signEscape keeps alphanumerics and -_.~, everything else becomes %XX.
func signEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func hmacSHA1Hex(key []byte, msg string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
