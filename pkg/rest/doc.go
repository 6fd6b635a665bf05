// Package rest exposes configured PostgreSQL tables as REST resources.
//
// Resources live at /<database>/<table> (a collection) and /<database>/<table>/<id> (one
// record, addressed by the table's primary key). The method and resource shape select an
// action:
//
//	Method  | Collection | Record
//	--------|------------|--------
//	GET     | findAll    | find
//	POST    | create     | (405)
//	PUT     | replaceAll | update
//	DELETE  | deleteAll  | delete
//	OPTIONS | permitted verbs
//
// Every action is checked against the table's allow policy, which is either true (everything
// is permitted) or a map from action to a bool or a CEL expression over the request:
//
//	allow:
//	  find: true
//	  findAll: true
//	  create: 'request.headers["x-api-key"] == "secret"'
//
// Query parameters shape findAll:
//
//	Parameter              | Description
//	-----------------------|------------------------------------------------
//	q, where               | JSON filter, e.g. {"age":{"$gt":3}}
//	s, sort                | JSON sort, e.g. {"age":-1,"name":1}
//	l, limit, max_results  | Page size (default: table cap, else 1000)
//	pg, page               | Page number, 1-based
//	sk, skip, offset       | Explicit offset, wins over page
//	f, fields              | Projection: a,b or {"a":1,"b":1}
//
// Filters support $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $regex (with $options "i") and
// $or. Malformed q or s JSON is ignored; an unsupported operator is a 400.
//
// Create and update bodies nest the columns under the singular table name:
//
//	POST /test/cats   {"cat": {"name": "Tom", "age": 7}}
//
// findAll responds with an envelope:
//
//	{
//	  "_items": [...],
//	  "_etag": "9f86d081884c7d65",
//	  "_meta": {"max_results": 25, "total": 70, "page": 2},
//	  "_links": {"self": {...}, "parent": {...}, "last": {...}, "prev": {...}, "next": {...}}
//	}
//
// Single-record responses are the row with its _links appended. Errors are {"error": "..."}.
package rest
