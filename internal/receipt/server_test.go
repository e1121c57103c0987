package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-verifier/internal/forensic"
	"github.com/zombor/receipt-verifier/internal/qr"
	"github.com/zombor/receipt-verifier/internal/verify"
)

func newTestService(db *mockDB, scanner *mockScanner, storage *mockStorage) *Service {
	return NewServiceWithDeps(Deps{
		DB:          db,
		Scanner:     scanner,
		Storage:     storage,
		Engine:      testEngine(),
		QR:          &mockQR{result: qr.Failed(qr.ErrNotDecoded)},
		Forensic:    &mockScorer{report: forensic.Report{CombinedScore: 0.1, Tags: []string{}}},
		IDGenerator: &mockIDGenerator{id: "test-id-123"},
		TimeSource:  &mockTimeSource{now: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)},
	}, Options{})
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(body, v)).To(Succeed())
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = newTestService(db, scanner, storage)
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("handleHealth", func() {
		It("reports the service and scanner", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("ok", true))
			Expect(body).To(HaveKeyWithValue("service", "receipt-verifier"))
			Expect(body).To(HaveKeyWithValue("scanner", "mock"))
			Expect(body).To(HaveKeyWithValue("model", "model"))
			Expect(body).To(HaveKey("time"))
		})

		When("request method is not GET", func() {
			It("should return status Method Not Allowed", func() {
				resp, err := http.Post(ghttpServer.URL()+"/", "text/plain", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
				resp.Body.Close()
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			It("stays public", func() {
				resp, err := http.Get(ghttpServer.URL() + "/")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp.Body.Close()
			})
		})
	})

	Describe("unknown paths", func() {
		It("should return status Not Found", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/verifications", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	Describe("handleMetrics", func() {
		It("exposes Prometheus metrics", func() {
			resp, err := http.Get(ghttpServer.URL() + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("go_goroutines"))
		})
	})

	Describe("handleCreateVerification", func() {
		post := func(payload any) *http.Response {
			body, err := json.Marshal(payload)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.Post(ghttpServer.URL()+"/api/verifications", "application/json", bytes.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		validBody := func() map[string]any {
			return map[string]any{
				"imageBase64":            base64.StdEncoding.EncodeToString(noisePNG(120, 160)),
				"imageMime":              "image/png",
				"expectedAmount":         45000,
				"expectedDate":           "2024-03-05",
				"acceptableDestinations": []string{"3138200803"},
			}
		}

		When("the JSON request is valid", func() {
			It("returns the verification record", func() {
				resp := post(validBody())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var v Verification
				decodeBody(resp, &v)
				Expect(v.ID).To(Equal("test-id-123"))
				Expect(v.Decision).NotTo(BeNil())
				Expect(v.Decision.Status).To(Equal(verify.StatusVerified))
				Expect(v.Expected.AcceptableDestinations).To(Equal([]string{"3138200803"}))
			})

			It("serializes absent decision parts as null", func() {
				resp := post(validBody())
				var raw map[string]any
				decodeBody(resp, &raw)
				decision, ok := raw["decision"].(map[string]any)
				Expect(ok).To(BeTrue())
				qrResult, ok := decision["qr"].(map[string]any)
				Expect(ok).To(BeTrue())
				Expect(raw).To(HaveKeyWithValue("filename", BeNil()))
				Expect(qrResult).To(HaveKeyWithValue("payload", BeNil()))
				Expect(qrResult).To(HaveKeyWithValue("method", BeNil()))
			})
		})

		When("the amount is a string and the image a data URL", func() {
			It("accepts the request", func() {
				body := validBody()
				body["expectedAmount"] = "45000"
				body["imageBase64"] = "data:image/png;base64," + body["imageBase64"].(string)
				delete(body, "imageMime")

				resp := post(body)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})

		When("the amount uses a dot as thousands separator", func() {
			It("records the full amount", func() {
				body := validBody()
				body["expectedAmount"] = "45.000"

				resp := post(body)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var v Verification
				decodeBody(resp, &v)
				Expect(v.Expected.Amount).To(Equal(int64(45000)))
				Expect(v.Decision.Status).To(Equal(verify.StatusVerified))
			})
		})

		When("a destination is too short to compare", func() {
			It("should return status Bad Request", func() {
				body := validBody()
				body["acceptableDestinations"] = []string{"12"}

				resp := post(body)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the amount is a fractional number", func() {
			It("should return status Bad Request", func() {
				body := validBody()
				body["expectedAmount"] = 45000.5

				resp := post(body)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("required fields are missing", func() {
			It("should return status Bad Request", func() {
				body := validBody()
				delete(body, "expectedDate")

				resp := post(body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var msg map[string]string
				decodeBody(resp, &msg)
				Expect(msg["error"]).To(ContainSubstring("expectedDate"))
			})
		})

		When("the image is not base64", func() {
			It("should return status Bad Request", func() {
				body := validBody()
				body["imageBase64"] = "%%%"

				resp := post(body)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the declared type disagrees with the content", func() {
			It("should return status Bad Request", func() {
				body := validBody()
				body["imageMime"] = "image/jpeg"

				resp := post(body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var msg map[string]string
				decodeBody(resp, &msg)
				Expect(msg["error"]).To(ContainSubstring("invalid input"))
			})
		})

		When("the body is not JSON", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/verifications", "application/json", bytes.NewBufferString("{"))
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the record cannot be saved", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("database error")
			})

			It("should return an internal error", func() {
				resp := post(validBody())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				var msg map[string]string
				decodeBody(resp, &msg)
				Expect(msg).To(Equal(map[string]string{"error": "internal_error"}))
			})
		})

		When("the upload is multipart", func() {
			It("returns the verification record", func() {
				var buf bytes.Buffer
				writer := multipart.NewWriter(&buf)
				part, err := writer.CreateFormFile("file", "receipt.png")
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write(noisePNG(120, 160))
				Expect(err).NotTo(HaveOccurred())
				Expect(writer.WriteField("expected_amount", "45000")).To(Succeed())
				Expect(writer.WriteField("expected_date", "05/03/2024")).To(Succeed())
				Expect(writer.WriteField("acceptable_destinations", "3138200803, 3001234567")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(ghttpServer.URL()+"/api/verifications", writer.FormDataContentType(), &buf)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var v Verification
				decodeBody(resp, &v)
				Expect(v.ContentType).To(Equal("image/png"))
				Expect(v.UploadName).To(Equal("receipt.png"))
				Expect(v.Expected.AcceptableDestinations).To(Equal([]string{"3138200803", "3001234567"}))
				Expect(v.Decision.Status).To(Equal(verify.StatusVerified))
			})
		})

		When("the multipart upload has no file", func() {
			It("should return status Bad Request", func() {
				var buf bytes.Buffer
				writer := multipart.NewWriter(&buf)
				Expect(writer.WriteField("expected_amount", "45000")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(ghttpServer.URL()+"/api/verifications", writer.FormDataContentType(), &buf)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleListVerifications", func() {
		When("verifications exist", func() {
			BeforeEach(func() {
				db.verifications["id1"] = &Verification{ID: "id1"}
				db.verifications["id2"] = &Verification{ID: "id2"}
			})

			It("should return all verifications", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var list []*Verification
				decodeBody(resp, &list)
				Expect(list).To(HaveLen(2))
			})
		})

		When("no verifications exist", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications")
				Expect(err).NotTo(HaveOccurred())
				var list []*Verification
				decodeBody(resp, &list)
				Expect(list).NotTo(BeNil())
				Expect(list).To(BeEmpty())
			})
		})

		When("service returns an error", func() {
			BeforeEach(func() {
				db.listErr = errors.New("database error")
			})

			It("should return status Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				resp.Body.Close()
			})
		})
	})

	Describe("handleGetVerification", func() {
		When("the verification exists", func() {
			BeforeEach(func() {
				db.verifications["abc"] = &Verification{ID: "abc", Scanner: "mock/model"}
			})

			It("returns it", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications/abc")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var v Verification
				decodeBody(resp, &v)
				Expect(v.Scanner).To(Equal("mock/model"))
			})
		})

		When("the verification does not exist", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications/missing")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.getErr = errors.New("database error")
			})

			It("should return status Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications/abc")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				resp.Body.Close()
			})
		})
	})

	Describe("handleGetVerificationFile", func() {
		When("an image was kept", func() {
			BeforeEach(func() {
				name := "abc.png"
				db.verifications["abc"] = &Verification{ID: "abc", ContentType: "image/png", Filename: &name}
				storage.files[name] = []byte("png bytes")
			})

			It("returns it with its content type", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications/abc/file")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(Equal("png bytes"))
			})
		})

		When("no image was kept", func() {
			BeforeEach(func() {
				db.verifications["abc"] = &Verification{ID: "abc"}
			})

			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications/abc/file")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})
	})

	Describe("authenticate", func() {
		When("no auth is configured", func() {
			It("should return true", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/verifications", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeTrue())
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			DescribeTable("checks the credentials",
				func(header string, want bool) {
					req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/verifications", nil)
					Expect(err).NotTo(HaveOccurred())
					if header != "" {
						req.Header.Set("Authorization", header)
					}
					Expect(server.authenticate(req)).To(Equal(want))
				},
				Entry("valid credentials", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")), true),
				Entry("wrong password", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:wrong")), false),
				Entry("no colon", "Basic "+base64.StdEncoding.EncodeToString([]byte("userpass")), false),
				Entry("not base64", "Basic ???", false),
				Entry("bearer token", "Bearer abc", false),
				Entry("no header", "", false),
			)
		})
	})

	Describe("requireAuth", func() {
		When("request is unauthorized", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			It("should return status Unauthorized with a challenge", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/verifications")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			})
		})

		When("request carries valid credentials", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
			})

			It("passes through", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/verifications", nil)
				Expect(err).NotTo(HaveOccurred())
				req.SetBasicAuth("user", "pass")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp.Body.Close()
			})
		})
	})
})

var _ = Describe("flexString", func() {
	DescribeTable("accepts strings and numbers",
		func(raw, want string) {
			var f flexString
			Expect(json.Unmarshal([]byte(raw), &f)).To(Succeed())
			Expect(string(f)).To(Equal(want))
		},
		Entry("integer", `45000`, "45000"),
		Entry("whole decimal", `45000.0`, "45000"),
		Entry("exponent", `4.5e4`, "45000"),
		Entry("string", `"45.000"`, "45.000"),
		Entry("null", `null`, ""),
	)

	It("rejects other JSON values", func() {
		var f flexString
		Expect(json.Unmarshal([]byte(`true`), &f)).NotTo(Succeed())
	})

	It("rejects fractional numbers", func() {
		var f flexString
		Expect(json.Unmarshal([]byte(`45000.5`), &f)).NotTo(Succeed())
	})
})
