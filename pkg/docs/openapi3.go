package docs

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/lamassuiot/rfid-sync/pkg/server/auth"
	"github.com/lamassuiot/rfid-sync/pkg/server/configs"
)

func NewOpenAPI3(config configs.Config) openapi3.T {

	arrayOf := func(items *openapi3.SchemaRef) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: "array", Items: items}}
	}
	ref := func(kind string, name string) string {
		return "#/components/" + kind + "/" + name
	}

	// responses adds the error answers shared by every operation.
	responses := func(success string, okRef string, codes ...string) openapi3.Responses {
		r := openapi3.Responses{
			success: &openapi3.ResponseRef{Ref: ref("responses", okRef)},
			"500":   &openapi3.ResponseRef{Ref: ref("responses", "ErrorResponse")},
		}
		for _, code := range codes {
			r[code] = &openapi3.ResponseRef{Ref: ref("responses", "ErrorResponse")}
		}
		return r
	}

	deviceAuth := openapi3.SecurityRequirements{{"DeviceToken": []string{}}}
	adminAuth := openapi3.SecurityRequirements{{"AdminKey": []string{}}}

	idParameter := []*openapi3.ParameterRef{
		{
			Value: openapi3.NewPathParameter("id").
				WithSchema(openapi3.NewStringSchema()),
		},
	}
	scopeParameter := []*openapi3.ParameterRef{
		{
			Value: openapi3.NewPathParameter("scope").
				WithDescription("\"default\" or a device identifier").
				WithSchema(openapi3.NewStringSchema()),
		},
	}

	server := "/"
	if config.AdvertiseHost != "" {
		server = config.Protocol + "://" + config.AdvertiseHost + ":" + config.Port + "/"
	}

	openapiSpec := openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:       "RFID Sync Control Plane API",
			Description: "REST API used by RFID edge agents and operators",
			Version:     "0.0.0",
			License: &openapi3.License{
				Name: "MPL v2.0",
				URL:  "https://github.com/lamassuiot/lamassu-compose/blob/main/LICENSE",
			},
			Contact: &openapi3.Contact{
				URL: "https://github.com/lamassuiot",
			},
		},
		Servers: openapi3.Servers{
			&openapi3.Server{
				Description: "Current Server",
				URL:         server,
			},
		},
	}

	openapiSpec.Components.SecuritySchemes = openapi3.SecuritySchemes{
		"DeviceToken": &openapi3.SecuritySchemeRef{
			Value: openapi3.NewJWTSecurityScheme(),
		},
		"AdminKey": &openapi3.SecuritySchemeRef{
			Value: openapi3.NewSecurityScheme().
				WithType("apiKey").
				WithIn("header").
				WithName(auth.AdminKeyHeader),
		},
	}

	configurationFields := func() *openapi3.Schema {
		return openapi3.NewObjectSchema().
			WithProperty("rabbitmq_host", openapi3.NewStringSchema()).
			WithProperty("rabbitmq_port", openapi3.NewIntegerSchema().WithMin(1).WithMax(65535)).
			WithProperty("rabbitmq_user", openapi3.NewStringSchema()).
			WithProperty("rabbitmq_password", openapi3.NewStringSchema()).
			WithProperty("rabbitmq_vhost", openapi3.NewStringSchema()).
			WithProperty("queue_prefix", openapi3.NewStringSchema()).
			WithProperty("log_level", openapi3.NewStringSchema().WithEnum("DEBUG", "INFO", "WARN", "WARNING", "ERROR")).
			WithProperty("heartbeat_interval", openapi3.NewIntegerSchema().WithMin(1).WithMax(86400)).
			WithProperty("cache_ttl", openapi3.NewIntegerSchema().WithMin(0)).
			WithProperty("offline_mode_enabled", openapi3.NewBoolSchema()).
			WithProperty("max_offline_readings", openapi3.NewIntegerSchema().WithMin(1))
	}

	openapiSpec.Components.Schemas = openapi3.Schemas{
		"Device": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("device_id", openapi3.NewStringSchema()).
				WithProperty("mac_address", openapi3.NewStringSchema()).
				WithProperty("device_name", openapi3.NewStringSchema()).
				WithProperty("location", openapi3.NewStringSchema()).
				WithProperty("status", openapi3.NewStringSchema().WithEnum("registered", "online", "offline", "revoked")).
				WithProperty("registered_at", openapi3.NewDateTimeSchema()).
				WithProperty("last_seen", openapi3.NewDateTimeSchema()).
				WithProperty("total_readings", openapi3.NewInt64Schema()),
		),
		"Credential": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("access_token", openapi3.NewStringSchema()).
				WithProperty("token_type", openapi3.NewStringSchema()).
				WithProperty("expires_in", openapi3.NewInt64Schema()).
				WithProperty("issued_at", openapi3.NewDateTimeSchema()).
				WithProperty("expires_at", openapi3.NewDateTimeSchema()).
				WithProperty("device_id", openapi3.NewStringSchema()),
		),
		"ConfigurationFields": openapi3.NewSchemaRef("", configurationFields()),
		"ConfigurationDocument": openapi3.NewSchemaRef("",
			configurationFields().
				WithProperty("version", openapi3.NewIntegerSchema()).
				WithProperty("updated_at", openapi3.NewDateTimeSchema()),
		),
		"Reading": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("id", openapi3.NewStringSchema().WithMaxLength(64)).
				WithProperty("timestamp", openapi3.NewDateTimeSchema()).
				WithProperty("device_id", openapi3.NewStringSchema()).
				WithProperty("mac_address", openapi3.NewStringSchema()).
				WithProperty("epc", openapi3.NewStringSchema().WithMaxLength(128)).
				WithProperty("antenna", openapi3.NewIntegerSchema().WithMin(0).WithMax(64)).
				WithProperty("rssi", openapi3.NewFloat64Schema()).
				WithProperty("received_at", openapi3.NewDateTimeSchema()),
		),
		"BatchResult": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("accepted", openapi3.NewIntegerSchema()).
				WithProperty("duplicates", openapi3.NewIntegerSchema()).
				WithPropertyRef("rejected", arrayOf(openapi3.NewSchemaRef("",
					openapi3.NewObjectSchema().
						WithProperty("index", openapi3.NewIntegerSchema()).
						WithProperty("id", openapi3.NewStringSchema()).
						WithProperty("reason", openapi3.NewStringSchema()),
				))),
		),
		"Heartbeat": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("status", openapi3.NewStringSchema()).
				WithProperty("agent_state", openapi3.NewStringSchema()).
				WithProperty("cpu_temp", openapi3.NewFloat64Schema()).
				WithProperty("memory_usage", openapi3.NewFloat64Schema()).
				WithProperty("disk_usage", openapi3.NewFloat64Schema()).
				WithProperty("uptime", openapi3.NewFloat64Schema()).
				WithProperty("buffered_readings", openapi3.NewIntegerSchema()),
		),
	}

	openapiSpec.Components.RequestBodies = openapi3.RequestBodies{
		"authenticateRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Device identity and hardware fingerprint").
				WithRequired(true).
				WithJSONSchema(openapi3.NewSchema().
					WithProperty("device_id", openapi3.NewStringSchema()).
					WithProperty("mac_address", openapi3.NewStringSchema()),
				),
		},
		"submitReadingsRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Batch of tag observations, oldest first").
				WithRequired(true).
				WithJSONSchema(openapi3.NewSchema().
					WithPropertyRef("readings", arrayOf(&openapi3.SchemaRef{
						Ref: ref("schemas", "Reading"),
					})),
				),
		},
		"heartbeatRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Liveness signal and host metrics").
				WithRequired(true).
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: ref("schemas", "Heartbeat"),
				})),
		},
		"registerDeviceRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Request used for registering a new device").
				WithRequired(true).
				WithJSONSchema(openapi3.NewSchema().
					WithProperty("mac_address", openapi3.NewStringSchema()).
					WithProperty("device_name", openapi3.NewStringSchema()).
					WithProperty("location", openapi3.NewStringSchema()),
				),
		},
		"updateConfigRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Fields to merge into the scope's document").
				WithRequired(true).
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: ref("schemas", "ConfigurationFields"),
				})),
		},
	}

	openapiSpec.Components.Responses = openapi3.Responses{
		"ErrorResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response when errors happen.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("error", openapi3.NewStringSchema()).
					WithProperty("reason", openapi3.NewStringSchema()).
					WithProperty("resource_id", openapi3.NewStringSchema()))),
		},
		"HealthResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after healthchecking.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("status", openapi3.NewStringSchema()).
					WithProperty("store", openapi3.NewStringSchema()).
					WithProperty("timestamp", openapi3.NewDateTimeSchema())),
				),
		},
		"CredentialResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Bearer credential issued to a device.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: ref("schemas", "Credential"),
				})),
		},
		"DocumentResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Configuration document.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: ref("schemas", "ConfigurationDocument"),
				})),
		},
		"BatchResultResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Outcome of a reading batch.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: ref("schemas", "BatchResult"),
				})),
		},
		"QueryReadingsResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Stored readings, newest first.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithPropertyRef("readings", arrayOf(&openapi3.SchemaRef{
						Ref: ref("schemas", "Reading"),
					})).
					WithProperty("count", openapi3.NewIntegerSchema())),
				),
		},
		"HeartbeatResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Acknowledged heartbeat.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("status", openapi3.NewStringSchema()).
					WithProperty("timestamp", openapi3.NewDateTimeSchema())),
				),
		},
		"DeviceResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Device record.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: ref("schemas", "Device"),
				})),
		},
		"GetDevicesResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Registered devices.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithPropertyRef("devices", arrayOf(&openapi3.SchemaRef{
						Ref: ref("schemas", "Device"),
					})).
					WithProperty("count", openapi3.NewIntegerSchema())),
				),
		},
		"StatisticsResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Fleet and ingestion statistics.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("devices", openapi3.NewObjectSchema().
						WithProperty("total", openapi3.NewIntegerSchema()).
						WithProperty("registered", openapi3.NewIntegerSchema()).
						WithProperty("online", openapi3.NewIntegerSchema()).
						WithProperty("offline", openapi3.NewIntegerSchema()).
						WithProperty("revoked", openapi3.NewIntegerSchema())).
					WithProperty("readings", openapi3.NewObjectSchema().
						WithProperty("total", openapi3.NewInt64Schema()).
						WithProperty("last_24h", openapi3.NewInt64Schema())).
					WithProperty("timestamp", openapi3.NewDateTimeSchema())),
				),
		},
	}

	openapiSpec.Paths = openapi3.Paths{
		"/v1/health": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "Health",
				Description: "Get health status",
				Responses: openapi3.Responses{
					"200": &openapi3.ResponseRef{
						Ref: ref("responses", "HealthResponse"),
					},
				},
			},
		},
		"/v1/devices/authenticate": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "Authenticate",
				Description: "Exchange device identity and fingerprint for a credential",
				RequestBody: &openapi3.RequestBodyRef{
					Ref: ref("requestBodies", "authenticateRequest"),
				},
				Responses: responses("200", "CredentialResponse", "400", "401", "403"),
			},
		},
		"/v1/devices/refresh": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "Refresh",
				Description: "Exchange a valid credential for a fresh one",
				Security:    &deviceAuth,
				Responses:   responses("200", "CredentialResponse", "401", "403"),
			},
		},
		"/v1/config": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetConfig",
				Description: "Get the effective configuration of the calling device",
				Security:    &deviceAuth,
				Responses:   responses("200", "DocumentResponse", "401", "403", "503"),
			},
		},
		"/v1/readings": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "SubmitReadings",
				Description: "Submit a batch of readings",
				Security:    &deviceAuth,
				RequestBody: &openapi3.RequestBodyRef{
					Ref: ref("requestBodies", "submitReadingsRequest"),
				},
				Responses: responses("200", "BatchResultResponse", "400", "401", "403"),
			},
			Get: &openapi3.Operation{
				OperationID: "QueryReadings",
				Description: "Query stored readings",
				Parameters: []*openapi3.ParameterRef{
					{Value: openapi3.NewQueryParameter("device_id").WithSchema(openapi3.NewStringSchema())},
					{Value: openapi3.NewQueryParameter("epc").WithSchema(openapi3.NewStringSchema())},
					{Value: openapi3.NewQueryParameter("start").WithSchema(openapi3.NewDateTimeSchema())},
					{Value: openapi3.NewQueryParameter("end").WithSchema(openapi3.NewDateTimeSchema())},
					{Value: openapi3.NewQueryParameter("limit").WithSchema(openapi3.NewIntegerSchema().WithMin(1))},
				},
				Responses: responses("200", "QueryReadingsResponse", "400", "401", "403"),
			},
		},
		"/v1/heartbeat": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "Heartbeat",
				Description: "Report liveness and host metrics",
				Security:    &deviceAuth,
				RequestBody: &openapi3.RequestBodyRef{
					Ref: ref("requestBodies", "heartbeatRequest"),
				},
				Responses: responses("200", "HeartbeatResponse", "400", "401", "403"),
			},
		},
		"/v1/admin/devices": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "RegisterDevice",
				Description: "Register a device by its hardware fingerprint",
				Security:    &adminAuth,
				RequestBody: &openapi3.RequestBodyRef{
					Ref: ref("requestBodies", "registerDeviceRequest"),
				},
				Responses: responses("201", "DeviceResponse", "400", "401", "409"),
			},
			Get: &openapi3.Operation{
				OperationID: "GetDevices",
				Description: "List registered devices",
				Security:    &adminAuth,
				Responses:   responses("200", "GetDevicesResponse", "401"),
			},
		},
		"/v1/admin/devices/{id}": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetDeviceByID",
				Description: "Get device by id",
				Security:    &adminAuth,
				Parameters:  idParameter,
				Responses:   responses("200", "DeviceResponse", "401", "404"),
			},
		},
		"/v1/admin/devices/{id}/revoke": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "RevokeDevice",
				Description: "Revoke a device and every credential issued to it",
				Security:    &adminAuth,
				Parameters:  idParameter,
				Responses:   responses("200", "DeviceResponse", "401", "404"),
			},
		},
		"/v1/admin/devices/{id}/reinstate": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "ReinstateDevice",
				Description: "Allow a revoked device to authenticate again",
				Security:    &adminAuth,
				Parameters:  idParameter,
				Responses:   responses("200", "DeviceResponse", "401", "404"),
			},
		},
		"/v1/admin/config/{scope}": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetDocument",
				Description: "Get the stored document of a scope",
				Security:    &adminAuth,
				Parameters:  scopeParameter,
				Responses:   responses("200", "DocumentResponse", "401", "404"),
			},
			Put: &openapi3.Operation{
				OperationID: "UpdateConfig",
				Description: "Merge fields into the document of a scope",
				Security:    &adminAuth,
				Parameters:  scopeParameter,
				RequestBody: &openapi3.RequestBodyRef{
					Ref: ref("requestBodies", "updateConfigRequest"),
				},
				Responses: responses("200", "DocumentResponse", "400", "401", "404"),
			},
		},
		"/v1/admin/statistics": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetStatistics",
				Description: "Get fleet and ingestion statistics",
				Security:    &adminAuth,
				Responses:   responses("200", "StatisticsResponse", "401"),
			},
		},
	}

	return openapiSpec
}
